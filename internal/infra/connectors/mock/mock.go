// Package mock provides a deterministic checkpointed connector. It serves
// synthetic pages of documents and can be configured to fail, panic or grow
// its checkpoint, which makes it useful for local runs and tests.
package mock

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/ahrav/index-armada/internal/app/connector"
	"github.com/ahrav/index-armada/internal/domain/indexing"
)

// Source is the source type the connector registers under.
const Source = "mock"

// Config controls the generated pages.
type Config struct {
	// Pages is the total number of pages; one page is served per invocation.
	Pages       int
	DocsPerPage int
	// FailAtPage makes the invocation serving that page return an error. Zero disables.
	FailAtPage int
	// PanicAtPage makes the invocation serving that page panic. Zero disables.
	PanicAtPage int
	// FailuresPerPage emits that many per-document failures on every page.
	FailuresPerPage int
	// CheckpointPadding adds that many bytes of filler to each checkpoint.
	CheckpointPadding int
	// PageDelay sleeps before each page; lets tests observe a running attempt.
	PageDelay time.Duration
}

// ParseConfig reads a Config from connector configuration JSON values.
func ParseConfig(raw map[string]any) (Config, error) {
	cfg := Config{Pages: 1, DocsPerPage: 10}
	var err error
	get := func(key string, dst *int) {
		v, ok := raw[key]
		if !ok || err != nil {
			return
		}
		switch n := v.(type) {
		case float64:
			*dst = int(n)
		case int:
			*dst = n
		case int64:
			*dst = int(n)
		default:
			err = fmt.Errorf("mock connector option %s must be a number, got %T", key, v)
		}
	}
	get("pages", &cfg.Pages)
	get("docs_per_page", &cfg.DocsPerPage)
	get("fail_at_page", &cfg.FailAtPage)
	get("panic_at_page", &cfg.PanicAtPage)
	get("failures_per_page", &cfg.FailuresPerPage)
	get("checkpoint_padding", &cfg.CheckpointPadding)
	var delayMS int
	get("page_delay_ms", &delayMS)
	cfg.PageDelay = time.Duration(delayMS) * time.Millisecond
	if err != nil {
		return Config{}, err
	}
	if cfg.Pages < 0 || cfg.DocsPerPage < 0 {
		return Config{}, errors.New("mock connector pages and docs_per_page must not be negative")
	}
	return cfg, nil
}

var _ connector.CheckpointedConnector = (*Connector)(nil)

// Connector is the mock checkpointed connector.
type Connector struct {
	cfg   Config
	token string
}

// New creates a connector from cfg.
func New(cfg Config) *Connector { return &Connector{cfg: cfg} }

// Factory adapts New to connector.Factory.
func Factory(raw map[string]any) (connector.Connector, error) {
	cfg, err := ParseConfig(raw)
	if err != nil {
		return nil, err
	}
	return New(cfg), nil
}

// Register adds the mock connector to r.
func Register(r *connector.Registry) { r.Register(Source, Factory) }

// LoadCredentials accepts an optional "token" string.
func (c *Connector) LoadCredentials(credentials map[string]any) error {
	if v, ok := credentials["token"]; ok {
		s, ok := v.(string)
		if !ok {
			return errors.New("mock connector token must be a string")
		}
		c.token = s
	}
	return nil
}

// BuildDummyCheckpoint starts at page zero.
func (c *Connector) BuildDummyCheckpoint() indexing.Checkpoint {
	return indexing.Checkpoint{HasMore: c.cfg.Pages > 0, Content: map[string]any{"page": float64(0)}}
}

// LoadFromCheckpoint serves the page named by the checkpoint and finishes with
// a checkpoint pointing at the next one.
func (c *Connector) LoadFromCheckpoint(
	ctx context.Context,
	start, end time.Time,
	cp indexing.Checkpoint,
) iter.Seq2[connector.Item, error] {
	return func(yield func(connector.Item, error) bool) {
		page := 0
		if v, ok := cp.Content["page"].(float64); ok {
			page = int(v)
		}

		if page >= c.cfg.Pages {
			yield(connector.FinalCheckpointItem(indexing.Checkpoint{HasMore: false, Content: map[string]any{"page": float64(page)}}), nil)
			return
		}

		if c.cfg.PageDelay > 0 {
			select {
			case <-ctx.Done():
				yield(connector.Item{}, ctx.Err())
				return
			case <-time.After(c.cfg.PageDelay):
			}
		}

		pageNo := page + 1
		if pageNo == c.cfg.PanicAtPage {
			panic(fmt.Sprintf("mock connector crashed at page %d", pageNo))
		}
		if pageNo == c.cfg.FailAtPage {
			yield(connector.Item{}, fmt.Errorf("mock source unavailable at page %d", pageNo))
			return
		}

		for i := range c.cfg.DocsPerPage {
			ts := start.Add(time.Duration(i) * time.Second)
			if !end.IsZero() && ts.After(end) {
				ts = end
			}
			doc := indexing.Document{
				ID:                 fmt.Sprintf("mock-%d-%d", pageNo, i),
				SemanticIdentifier: fmt.Sprintf("Mock document %d.%d", pageNo, i),
				Source:             Source,
				Sections:           []indexing.Section{{Text: fmt.Sprintf("content of page %d document %d", pageNo, i)}},
				UpdatedAt:          &ts,
			}
			if !yield(connector.DocumentItem(doc), nil) {
				return
			}
		}
		for i := range c.cfg.FailuresPerPage {
			f := indexing.Failure{
				DocumentID: fmt.Sprintf("mock-%d-failed-%d", pageNo, i),
				Message:    "mock document could not be fetched",
			}
			if !yield(connector.FailureItem(f), nil) {
				return
			}
		}

		next := indexing.Checkpoint{
			HasMore: pageNo < c.cfg.Pages,
			Content: map[string]any{"page": float64(pageNo)},
		}
		if c.cfg.CheckpointPadding > 0 {
			next.Content["padding"] = strings.Repeat("p", c.cfg.CheckpointPadding)
		}
		yield(connector.FinalCheckpointItem(next), nil)
	}
}
