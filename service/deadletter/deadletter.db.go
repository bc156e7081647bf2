package deadletter

import (
	"context"
	"errors"
	"log"
	"os"
	"time"

	"github.com/meidoworks/nekodispatch/service/dispatchapi"

	"github.com/fxamacker/cbor/v2"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/plugin/dbresolver"
)

const insertBatchSize = 100

var ErrNoSource = errors.New("postgres dead letter sink needs at least one source")

type DeadLetter struct {
	DeadLetterId int64 `gorm:"primaryKey;autoIncrement"`
	MsgId        string
	Receiver     string `gorm:"index"`
	TopicOid     string
	Content      []byte
	Qos          []byte
	Reason       string
	TimeCreated  int64 `gorm:"autoCreateTime:milli"`
}

func (*DeadLetter) TableName() string {
	return "dead_letter"
}

var _ dispatchapi.DeadLetterSink = new(GormSink)

// GormSink stores dead letters in postgres, writes go to the sources and reads to the replicas.
type GormSink struct {
	db *gorm.DB
}

func NewGormSink(option *Option) (*GormSink, error) {
	if len(option.Sources) == 0 {
		return nil, ErrNoSource
	}
	newLogger := logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		logger.Config{
			SlowThreshold:             2000 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(option.Sources[0]), &gorm.Config{
		Logger: newLogger,
	})
	if err != nil {
		return nil, err
	}
	var sources []gorm.Dialector
	for _, v := range option.Sources {
		sources = append(sources, postgres.Open(v))
	}
	var replicas []gorm.Dialector
	for _, v := range option.Replicas {
		replicas = append(replicas, postgres.Open(v))
	}
	if err := db.Use(dbresolver.Register(dbresolver.Config{
		Sources:  sources,
		Replicas: replicas,
		Policy:   dbresolver.RandomPolicy{},
	})); err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(new(DeadLetter)); err != nil {
		return nil, err
	}
	_deadLetterLogger.Infof("postgres dead letter sink ready, sources: %d, replicas: %d", len(sources), len(replicas))
	return &GormSink{db: db}, nil
}

func (g *GormSink) DeadMessage(ctx context.Context, receiver dispatchapi.SessionName, entries []*dispatchapi.MsgUnitWrapper, reason string) error {
	var records []*DeadLetter
	for _, e := range entries {
		if e == nil || e.MsgUnit == nil {
			continue
		}
		qos, err := cbor.Marshal(e.MsgUnit.Qos)
		if err != nil {
			return err
		}
		records = append(records, &DeadLetter{
			MsgId:    e.UniqueId.String(),
			Receiver: string(receiver),
			TopicOid: e.MsgUnit.KeyOid,
			Content:  e.MsgUnit.Content,
			Qos:      qos,
			Reason:   reason,
		})
	}
	if len(records) == 0 {
		return nil
	}
	return g.db.WithContext(ctx).CreateInBatches(records, insertBatchSize).Error
}

// List returns the latest dead letters of receiver, newest first.
func (g *GormSink) List(ctx context.Context, receiver dispatchapi.SessionName, limit int) ([]*dispatchapi.MsgUnit, error) {
	var records []*DeadLetter
	if err := g.db.WithContext(ctx).
		Where("receiver = ?", string(receiver)).
		Order("dead_letter_id desc").
		Limit(limit).
		Find(&records).Error; err != nil {
		return nil, err
	}
	result := make([]*dispatchapi.MsgUnit, 0, len(records))
	for _, r := range records {
		msg := &dispatchapi.MsgUnit{
			KeyOid:  r.TopicOid,
			Content: r.Content,
			Qos:     new(dispatchapi.MsgQos),
		}
		if err := cbor.Unmarshal(r.Qos, msg.Qos); err != nil {
			return nil, err
		}
		result = append(result, msg)
	}
	return result, nil
}

func (g *GormSink) Close() error {
	sqlDb, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDb.Close()
}
