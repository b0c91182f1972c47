package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// KindJSONL appends accepted messages to daily JSONL files.
const KindJSONL = "jsonl"

// jsonlRecord is one line of output.
type jsonlRecord struct {
	Channel        string          `json:"channel"`
	MerchantID     string          `json:"merchantId"`
	MessageType    string          `json:"messageType"`
	MessageVersion string          `json:"messageVersion"`
	Protocol       string          `json:"protocol"`
	MessageID      string          `json:"messageId,omitempty"`
	Timestamp      string          `json:"timestamp,omitempty"`
	Status         string          `json:"status,omitempty"`
	CardNumberFlag string          `json:"cardNumberFlag"`
	ReceivedAt     string          `json:"receivedAt"`
	Body           json.RawMessage `json:"body"`
}

// JSONL writes to <dir>/<channel>/<yyyy-mm-dd>.jsonl. Config keys: dir.
type JSONL struct {
	Base
	id  Identity
	log *zap.Logger
	now func() time.Time

	mutexLock sync.Mutex
	mutexes   map[string]*sync.Mutex
}

// NewJSONL is the Factory of KindJSONL.
func NewJSONL(id Identity, log *zap.Logger) (Sink, error) {
	return &JSONL{
		id:      id,
		log:     log,
		now:     time.Now,
		mutexes: make(map[string]*sync.Mutex),
	}, nil
}

func (j *JSONL) Configure(cfg map[string]string) error {
	if cfg["dir"] == "" {
		return errors.New("jsonl sink requires config key dir")
	}
	return j.Base.Configure(cfg)
}

// fileMutex returns the mutex guarding filename. One entry accrues per day.
func (j *JSONL) fileMutex(filename string) *sync.Mutex {
	j.mutexLock.Lock()
	defer j.mutexLock.Unlock()

	if _, ok := j.mutexes[filename]; !ok {
		j.mutexes[filename] = &sync.Mutex{}
	}
	return j.mutexes[filename]
}

func (j *JSONL) HandleMessage(_ context.Context, env *Envelope) (bool, error) {
	dir := filepath.Join(j.Config("dir"), j.id.ChannelID)
	now := j.now().UTC()
	filename := filepath.Join(dir, now.Format("2006-01-02.jsonl"))

	rec := jsonlRecord{
		Channel:        j.id.ChannelID,
		MerchantID:     env.Attributes.MerchantID,
		MessageType:    env.Attributes.MessageType,
		MessageVersion: env.Attributes.MessageVersion,
		Protocol:       string(env.Attributes.Protocol),
		MessageID:      env.Columns.MessageID,
		Status:         env.Columns.Status,
		CardNumberFlag: string(env.CardFlag),
		ReceivedAt:     now.Format(time.RFC3339),
		Body:           json.RawMessage(env.Body),
	}
	if rec.MessageID == "" {
		rec.MessageID = env.Attributes.MessageID
	}
	if !env.Attributes.Timestamp.IsZero() {
		rec.Timestamp = env.Attributes.Timestamp.UTC().Format(time.RFC3339)
	}

	mu := j.fileMutex(filename)
	mu.Lock()
	defer mu.Unlock()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, fmt.Errorf("create jsonl dir: %w", err)
	}
	f, err := os.OpenFile(filename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return false, fmt.Errorf("open jsonl file: %w", err)
	}
	defer f.Close()

	if err := json.NewEncoder(f).Encode(rec); err != nil {
		return false, fmt.Errorf("write jsonl record: %w", err)
	}
	return true, nil
}
