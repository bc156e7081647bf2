package config

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/meidoworks/nekodispatch/service/callback"
	"github.com/meidoworks/nekodispatch/service/deadletter"
	"github.com/meidoworks/nekodispatch/service/dispatchapi"
	"github.com/meidoworks/nekodispatch/service/dispatchimpl"
	"github.com/meidoworks/nekodispatch/service/httpapi"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/afero"
)

var (
	ErrNodeIdEmpty        = errors.New("node id is empty")
	ErrHttpListenEmpty    = errors.New("http listen address is empty")
	ErrBadgerDirEmpty     = errors.New("badger queue needs a directory or in_memory")
	ErrTopicOidEmpty      = errors.New("topic oid is empty")
	ErrUnknownQueueType   = errors.New("unknown queue type")
	ErrDeadLetterNoSource = errors.New("postgres dead letter storage needs sources")
)

var _defaultConfig = &DispatchConfig{
	Log: LogConfig{
		Level: "info",
	},
	Http: HttpConfig{
		Listen:         ":9310",
		MaxConnections: 1024,
	},
	Dispatch: DispatchEngineConfig{
		DefaultDistributor:      dispatchapi.DistributorBroadcast,
		HistoryQueueType:        dispatchapi.QueueTypeRam,
		CallbackQueueType:       dispatchapi.QueueTypeRam,
		CallbackQueueMaxEntries: 10000,
		BurstMaxEntries:         100,
		BurstMaxBytes:           1 << 20,
		ReaperIntervalMs:        1000,
	},
	Storage: StorageConfig{
		Badger: BadgerConfig{
			Dir: "data/queue",
		},
	},
	DeadLetter: DeadLetterConfig{
		StorageType: deadletter.StorageTypeLog,
		Sources:     []string{},
		Replicas:    []string{},
	},
	Callback: CallbackConfig{
		Http: HttpCallbackConfig{
			TimeoutMs:  5000,
			RetryCount: 0,
		},
	},
}

type DispatchConfig struct {
	Shared struct {
		NodeId *int16 `toml:"node_id"`
	} `toml:"shared"`

	Log        LogConfig            `toml:"log"`
	Http       HttpConfig           `toml:"http"`
	Dispatch   DispatchEngineConfig `toml:"dispatch"`
	Storage    StorageConfig        `toml:"storage"`
	DeadLetter DeadLetterConfig     `toml:"dead_letter"`
	Callback   CallbackConfig       `toml:"callback"`
}

type LogConfig struct {
	Level string `toml:"level"`
}

type HttpConfig struct {
	Listen         string `toml:"listen"`
	MaxConnections int    `toml:"max_connections"`
}

type DispatchEngineConfig struct {
	DefaultDistributor      string `toml:"default_distributor"`
	HistoryQueueType        string `toml:"history_queue_type"`
	CallbackQueueType       string `toml:"callback_queue_type"`
	CallbackQueueMaxEntries int64  `toml:"callback_queue_max_entries"`
	BurstMaxEntries         int    `toml:"burst_max_entries"`
	BurstMaxBytes           int64  `toml:"burst_max_bytes"`
	ReaperIntervalMs        int64  `toml:"reaper_interval_ms"`

	Topics []TopicConfig `toml:"topics"`
}

type TopicConfig struct {
	Oid               string `toml:"oid"`
	Distributor       string `toml:"distributor"`
	HistoryMaxEntries int64  `toml:"history_max_entries"`
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
}

type BadgerConfig struct {
	Dir      string `toml:"dir"`
	InMemory bool   `toml:"in_memory"`
}

type DeadLetterConfig struct {
	StorageType string   `toml:"storage_type"`
	Sources     []string `toml:"sources"`
	Replicas    []string `toml:"replicas"`
}

type CallbackConfig struct {
	Http HttpCallbackConfig `toml:"http"`
}

type HttpCallbackConfig struct {
	TimeoutMs  int64 `toml:"timeout_ms"`
	RetryCount int   `toml:"retry_count"`
}

func WriteDefault(w io.Writer) error {
	data, err := toml.Marshal(_defaultConfig)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// LoadFile reads a toml configuration and fills unset fields with defaults.
func LoadFile(fs afero.Fs, path string) (*DispatchConfig, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, err
	}
	cfg := new(DispatchConfig)
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.MergeDefault()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (d *DispatchConfig) Validate() error {
	if d.Shared.NodeId == nil {
		return ErrNodeIdEmpty
	}
	if d.Http.Listen == "" {
		return ErrHttpListenEmpty
	}
	for _, t := range []string{d.Dispatch.HistoryQueueType, d.Dispatch.CallbackQueueType} {
		if t != dispatchapi.QueueTypeRam && t != dispatchapi.QueueTypeBadger {
			return fmt.Errorf("%w: %s", ErrUnknownQueueType, t)
		}
	}
	if d.UseBadger() && d.Storage.Badger.Dir == "" && !d.Storage.Badger.InMemory {
		return ErrBadgerDirEmpty
	}
	for _, t := range d.Dispatch.Topics {
		if t.Oid == "" {
			return ErrTopicOidEmpty
		}
	}
	if d.DeadLetter.StorageType == deadletter.StorageTypePostgres && len(d.DeadLetter.Sources) == 0 {
		return ErrDeadLetterNoSource
	}
	return nil
}

// MergeDefault fills unset fields from the default configuration.
func (d *DispatchConfig) MergeDefault() *DispatchConfig {
	def := _defaultConfig
	if d.Log.Level == "" {
		d.Log.Level = def.Log.Level
	}
	if d.Http.Listen == "" {
		d.Http.Listen = def.Http.Listen
	}
	if d.Http.MaxConnections == 0 {
		d.Http.MaxConnections = def.Http.MaxConnections
	}
	if d.Dispatch.DefaultDistributor == "" {
		d.Dispatch.DefaultDistributor = def.Dispatch.DefaultDistributor
	}
	if d.Dispatch.HistoryQueueType == "" {
		d.Dispatch.HistoryQueueType = def.Dispatch.HistoryQueueType
	}
	if d.Dispatch.CallbackQueueType == "" {
		d.Dispatch.CallbackQueueType = def.Dispatch.CallbackQueueType
	}
	if d.Dispatch.CallbackQueueMaxEntries == 0 {
		d.Dispatch.CallbackQueueMaxEntries = def.Dispatch.CallbackQueueMaxEntries
	}
	if d.Dispatch.BurstMaxEntries == 0 {
		d.Dispatch.BurstMaxEntries = def.Dispatch.BurstMaxEntries
	}
	if d.Dispatch.BurstMaxBytes == 0 {
		d.Dispatch.BurstMaxBytes = def.Dispatch.BurstMaxBytes
	}
	if d.Dispatch.ReaperIntervalMs == 0 {
		d.Dispatch.ReaperIntervalMs = def.Dispatch.ReaperIntervalMs
	}
	if d.Storage.Badger.Dir == "" {
		d.Storage.Badger.Dir = def.Storage.Badger.Dir
	}
	if d.DeadLetter.StorageType == "" {
		d.DeadLetter.StorageType = def.DeadLetter.StorageType
	}
	if d.Callback.Http.TimeoutMs == 0 {
		d.Callback.Http.TimeoutMs = def.Callback.Http.TimeoutMs
	}
	return d
}

func (d *DispatchConfig) UseBadger() bool {
	return d.Dispatch.HistoryQueueType == dispatchapi.QueueTypeBadger || d.Dispatch.CallbackQueueType == dispatchapi.QueueTypeBadger
}

func (d *DispatchConfig) EngineOption(deadLetter dispatchapi.DeadLetterSink) *dispatchimpl.EngineOption {
	topics := make(map[string]*dispatchapi.TopicProperty, len(d.Dispatch.Topics))
	for _, t := range d.Dispatch.Topics {
		topics[t.Oid] = &dispatchapi.TopicProperty{
			Distributor:       t.Distributor,
			HistoryMaxEntries: t.HistoryMaxEntries,
		}
	}
	return &dispatchimpl.EngineOption{
		NodeId:             *d.Shared.NodeId,
		DefaultDistributor: d.Dispatch.DefaultDistributor,
		Topics:             topics,
		HistoryQueueType:   d.Dispatch.HistoryQueueType,
		CallbackQueueType:  d.Dispatch.CallbackQueueType,
		Session: dispatchapi.SessionOption{
			CallbackQueue:   dispatchapi.QueueProperty{MaxEntries: d.Dispatch.CallbackQueueMaxEntries},
			BurstMaxEntries: d.Dispatch.BurstMaxEntries,
			BurstMaxBytes:   d.Dispatch.BurstMaxBytes,
		},
		DeadLetter:     deadLetter,
		ReaperInterval: time.Duration(d.Dispatch.ReaperIntervalMs) * time.Millisecond,
	}
}

func (d *DispatchConfig) DeadLetterOption() *deadletter.Option {
	return &deadletter.Option{
		StorageType: d.DeadLetter.StorageType,
		Sources:     d.DeadLetter.Sources,
		Replicas:    d.DeadLetter.Replicas,
	}
}

func (d *DispatchConfig) HttpOption() *httpapi.Option {
	return &httpapi.Option{
		Listen:         d.Http.Listen,
		MaxConnections: d.Http.MaxConnections,
		Callback: callback.HttpDriverOption{
			Timeout:    time.Duration(d.Callback.Http.TimeoutMs) * time.Millisecond,
			RetryCount: d.Callback.Http.RetryCount,
		},
	}
}
