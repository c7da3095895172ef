package elasticsearch

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	json "github.com/goccy/go-json"
	"github.com/mbiondo/scLogger/core"
	"github.com/mbiondo/scLogger/pkg/tlsconfig"
)

func init() {
	// Auto-register this sink
	core.RegisterSink("elasticsearch", NewElasticsearchSinkFromConfig)
}

const (
	defaultAddress       = "http://localhost:9200"
	defaultTimeout       = 30 * time.Second
	defaultBatchSize     = 100
	defaultFlushInterval = 5 * time.Second
)

// Config represents Elasticsearch sink configuration
type Config struct {
	Addresses     []string         `yaml:"addresses"`                // Elasticsearch addresses
	Username      string           `yaml:"username,omitempty"`       // Basic auth username
	Password      string           `yaml:"password,omitempty"`       // Basic auth password
	APIKey        string           `yaml:"api_key,omitempty"`        // API key authentication
	Index         string           `yaml:"index"`                    // Index name (supports date templates)
	Timeout       time.Duration    `yaml:"timeout,omitempty"`        // Request timeout
	BatchSize     int              `yaml:"batch_size,omitempty"`     // Documents per bulk request
	FlushInterval time.Duration    `yaml:"flush_interval,omitempty"` // Background flush period, negative disables it
	TLS           tlsconfig.Config `yaml:"tls,omitempty"`
}

// Validate validates the Elasticsearch sink configuration
func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Index, validation.Required.Error("cannot be blank")),
		validation.Field(&c.Addresses, validation.Each(validation.Required.Error("cannot be blank"))),
		validation.Field(&c.APIKey, validation.When(c.Username != "", validation.Empty.Error("cannot be combined with username"))),
		validation.Field(&c.Timeout, validation.Min(time.Duration(0)).Error("must be no less than 0")),
		validation.Field(&c.BatchSize, validation.Min(0).Error("must be no less than 0"), validation.Max(10000).Error("must be no greater than 10000")),
		validation.Field(&c.TLS),
	)
}

// NewElasticsearchSinkFromConfig creates an Elasticsearch sink from configuration map
func NewElasticsearchSinkFromConfig(config map[string]any) (core.Sink, error) {
	var cfg Config
	if err := core.GetSinkConfig(config, &cfg); err != nil {
		return nil, err
	}

	return NewElasticsearchSink(cfg)
}

// document is the indexed form of a record
type document struct {
	Timestamp string            `json:"@timestamp"`
	Level     string            `json:"level"`
	Message   string            `json:"message"`
	Line      string            `json:"line"`
	Location  string            `json:"location,omitempty"`
	Session   string            `json:"session,omitempty"`
	Action    string            `json:"action,omitempty"`
	PID       int               `json:"pid"`
	ParentPID int               `json:"ppid"`
	Fields    map[string]string `json:"fields,omitempty"`
}

type pending struct {
	index string
	doc   document
}

// ElasticsearchSink indexes records in batches through the bulk API
type ElasticsearchSink struct {
	config Config
	client *elasticsearch.Client

	batchMutex sync.Mutex
	batch      []pending
	closed     bool

	// sendMutex keeps bulk requests in submission order
	sendMutex sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewElasticsearchSink creates a new Elasticsearch sink
func NewElasticsearchSink(config Config) (*ElasticsearchSink, error) {
	if err := config.Validate(); err != nil {
		return nil, core.WrapConfigError("elasticsearch", err)
	}
	if len(config.Addresses) == 0 {
		config.Addresses = []string{defaultAddress}
	}
	if config.Timeout == 0 {
		config.Timeout = defaultTimeout
	}
	if config.BatchSize == 0 {
		config.BatchSize = defaultBatchSize
	}
	if config.FlushInterval == 0 {
		config.FlushInterval = defaultFlushInterval
	}

	esCfg := elasticsearch.Config{
		Addresses: config.Addresses,
		Username:  config.Username,
		Password:  config.Password,
		APIKey:    config.APIKey,
	}
	if config.TLS.Enabled {
		tlsCfg, err := config.TLS.ClientConfig()
		if err != nil {
			return nil, core.WrapConfigError("tls", err)
		}
		esCfg.Transport = &http.Transport{TLSClientConfig: tlsCfg}
	}

	client, err := elasticsearch.NewClient(esCfg)
	if err != nil {
		return nil, core.WrapConfigError("addresses", fmt.Errorf("failed to create Elasticsearch client: %w", err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	sink := &ElasticsearchSink{
		config: config,
		client: client,
		batch:  make([]pending, 0, config.BatchSize),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	sink.checkConnection()

	if config.FlushInterval > 0 {
		go sink.periodicFlush()
	} else {
		close(sink.done)
	}
	return sink, nil
}

// checkConnection only reports, records are batched until the cluster answers
func (e *ElasticsearchSink) checkConnection() {
	if err := e.CheckHealth(e.ctx); err != nil {
		log.Printf("[ELASTICSEARCH] Initial connection test failed: %v", err)
		return
	}
	log.Printf("[ELASTICSEARCH] Connected to %s", strings.Join(e.config.Addresses, ","))
}

// Write queues a record and sends the batch once it holds BatchSize documents
func (e *ElasticsearchSink) Write(r *core.Record, line string) error {
	e.batchMutex.Lock()
	if e.closed {
		e.batchMutex.Unlock()
		return core.ErrClosed
	}
	e.batch = append(e.batch, pending{index: e.resolveIndexName(r.Time), doc: newDocument(r, line)})
	full := len(e.batch) >= e.config.BatchSize
	e.batchMutex.Unlock()

	if full {
		return e.flush()
	}
	return nil
}

func newDocument(r *core.Record, line string) document {
	doc := document{
		Timestamp: r.Time.Format(time.RFC3339Nano),
		Level:     r.Level.String(),
		Message:   r.Message,
		Line:      line,
		Location:  r.Location.String(),
		Session:   r.SessionID,
		Action:    r.Action,
		PID:       r.PID,
		ParentPID: r.ParentPID,
	}
	if len(r.Fields) > 0 {
		doc.Fields = make(map[string]string, len(r.Fields))
		for _, f := range r.Fields {
			if _, dup := doc.Fields[f.Key]; !dup {
				doc.Fields[f.Key] = f.Value
			}
		}
	}
	return doc
}

// Flush sends every queued document in one bulk request
func (e *ElasticsearchSink) Flush() error {
	return e.flush()
}

func (e *ElasticsearchSink) flush() error {
	e.sendMutex.Lock()
	defer e.sendMutex.Unlock()

	e.batchMutex.Lock()
	if len(e.batch) == 0 {
		e.batchMutex.Unlock()
		return nil
	}
	batch := e.batch
	e.batch = make([]pending, 0, e.config.BatchSize)
	e.batchMutex.Unlock()

	body, err := encodeBulk(batch)
	if err != nil {
		return err
	}
	return e.send(body, len(batch))
}

func encodeBulk(batch []pending) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, p := range batch {
		meta := map[string]any{"index": map[string]any{"_index": p.index}}
		if err := enc.Encode(meta); err != nil {
			return nil, fmt.Errorf("failed to encode bulk action: %w", err)
		}
		if err := enc.Encode(p.doc); err != nil {
			return nil, fmt.Errorf("failed to encode document: %w", err)
		}
	}
	return buf.Bytes(), nil
}

type bulkResponse struct {
	Errors bool `json:"errors"`
	Items  []map[string]struct {
		Status int `json:"status"`
		Error  *struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error,omitempty"`
	} `json:"items"`
}

// send posts a bulk body. A rejected batch is not retried.
func (e *ElasticsearchSink) send(body []byte, count int) error {
	ctx, cancel := context.WithTimeout(e.ctx, e.config.Timeout)
	defer cancel()

	req := esapi.BulkRequest{
		Body: bytes.NewReader(body),
	}
	res, err := req.Do(ctx, e.client)
	if err != nil {
		return fmt.Errorf("bulk request failed: %w", err)
	}
	defer func() {
		_ = res.Body.Close()
	}()

	if res.IsError() {
		return fmt.Errorf("elasticsearch returned status: %s", res.Status())
	}

	var bulkResp bulkResponse
	if err := json.NewDecoder(res.Body).Decode(&bulkResp); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	if !bulkResp.Errors {
		return nil
	}

	failed := 0
	var first string
	for _, item := range bulkResp.Items {
		for _, result := range item {
			if result.Error == nil {
				continue
			}
			failed++
			if first == "" {
				first = result.Error.Type + ": " + result.Error.Reason
			}
		}
	}
	return fmt.Errorf("%d of %d documents rejected, first: %s", failed, count, first)
}

// periodicFlush sends partial batches every FlushInterval
func (e *ElasticsearchSink) periodicFlush() {
	defer close(e.done)
	ticker := time.NewTicker(e.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := e.flush(); err != nil {
				log.Printf("[ELASTICSEARCH] Periodic flush failed: %v", err)
			}
		case <-e.ctx.Done():
			return
		}
	}
}

var indexDates = []struct {
	pattern string
	layout  string
}{
	{"{yyyy.MM.dd}", "2006.01.02"},
	{"{yyyy-MM-dd}", "2006-01-02"},
	{"{yyyy.MM}", "2006.01"},
	{"{yyyy-MM}", "2006-01"},
	{"{yyyy}", "2006"},
	{"{MM}", "01"},
	{"{dd}", "02"},
}

// resolveIndexName resolves index name with date templates
// Supports: logs-{yyyy.MM.dd}, logs-{yyyy-MM}, etc.
func (e *ElasticsearchSink) resolveIndexName(t time.Time) string {
	indexName := e.config.Index
	if !strings.Contains(indexName, "{") {
		return indexName
	}
	t = t.UTC()
	for _, d := range indexDates {
		indexName = strings.ReplaceAll(indexName, d.pattern, t.Format(d.layout))
	}
	return indexName
}

// CheckHealth queries the cluster info endpoint
func (e *ElasticsearchSink) CheckHealth(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	res, err := e.client.Info(e.client.Info.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer func() {
		_ = res.Body.Close()
	}()

	if res.IsError() {
		return fmt.Errorf("elasticsearch health check error: %s", res.String())
	}
	return nil
}

// Close sends the remaining documents and stops the background flusher
func (e *ElasticsearchSink) Close() error {
	e.batchMutex.Lock()
	if e.closed {
		e.batchMutex.Unlock()
		return nil
	}
	e.closed = true
	e.batchMutex.Unlock()

	err := e.flush()
	e.cancel()
	<-e.done
	return err
}
