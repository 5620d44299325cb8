package index

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/granule-sync/internal/resilience"
)

// DefaultRows is the row cap sent with every Solr select.
const DefaultRows = 300000

// SolrOptions configures the Solr backend.
type SolrOptions struct {
	BaseURL    string // e.g. http://localhost:8983/solr
	Collection string
	Rows       int
	Timeout    time.Duration
	Retry      resilience.RetryConfig
}

// Solr talks to a Solr collection over its JSON select and update handlers.
type Solr struct {
	client *http.Client
	opts   SolrOptions
}

// NewSolr creates a Solr-backed Index.
func NewSolr(opts SolrOptions) (*Solr, error) {
	if opts.BaseURL == "" {
		return nil, eris.New("index: solr: base url is required")
	}
	if opts.Collection == "" {
		return nil, eris.New("index: solr: collection is required")
	}
	if opts.Rows <= 0 {
		opts.Rows = DefaultRows
	}
	if opts.Timeout == 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = resilience.DefaultRetryConfig()
		opts.Retry.OnRetry = resilience.RetryLogger("solr", "request")
	}
	opts.BaseURL = strings.TrimSuffix(opts.BaseURL, "/")
	return &Solr{
		client: &http.Client{Timeout: opts.Timeout},
		opts:   opts,
	}, nil
}

type solrSelectResponse struct {
	Response struct {
		NumFound int        `json:"numFound"`
		Docs     []Document `json:"docs"`
	} `json:"response"`
}

// Query implements Index.
func (s *Solr) Query(ctx context.Context, filters ...Filter) ([]Document, error) {
	params := url.Values{}
	params.Set("q", "*:*")
	params.Set("rows", strconv.Itoa(s.opts.Rows))
	params.Set("wt", "json")
	for _, f := range filters {
		params.Add("fq", solrFilterQuery(f))
	}
	endpoint := fmt.Sprintf("%s/%s/select?%s", s.opts.BaseURL, s.opts.Collection, params.Encode())

	docs, err := resilience.DoVal(ctx, s.opts.Retry, func(ctx context.Context) ([]Document, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, eris.Wrap(err, "solr: create select request")
		}
		body, err := s.do(req)
		if err != nil {
			return nil, err
		}
		defer body.Close() //nolint:errcheck

		dec := json.NewDecoder(body)
		dec.UseNumber()
		var resp solrSelectResponse
		if err := dec.Decode(&resp); err != nil {
			return nil, eris.Wrap(err, "solr: decode select response")
		}
		return resp.Response.Docs, nil
	})
	if err != nil {
		return nil, unavailable("query", err)
	}
	return docs, nil
}

// Upsert implements Index. Creates carry a client-assigned UUID so that the
// identity is known without a second round trip; updates wrap each field in a
// Solr atomic "set" operation.
func (s *Solr) Upsert(ctx context.Context, docs []PartialDocument) ([]string, error) {
	if len(docs) == 0 {
		return nil, nil
	}

	ids := make([]string, len(docs))
	body := make([]map[string]any, 0, len(docs))
	for i, pd := range docs {
		doc := make(map[string]any, len(pd.Fields)+1)
		if pd.ID == "" {
			ids[i] = uuid.New().String()
			for k, v := range pd.Fields {
				if v != nil {
					doc[k] = v
				}
			}
		} else {
			ids[i] = pd.ID
			for k, v := range pd.Fields {
				doc[k] = map[string]any{"set": v}
			}
		}
		doc["id"] = ids[i]
		body = append(body, doc)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, eris.Wrap(err, "solr: marshal update body")
	}
	endpoint := fmt.Sprintf("%s/%s/update?commit=true", s.opts.BaseURL, s.opts.Collection)

	err = resilience.Do(ctx, s.opts.Retry, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return eris.Wrap(err, "solr: create update request")
		}
		req.Header.Set("Content-Type", "application/json")
		rc, err := s.do(req)
		if err != nil {
			return err
		}
		_, _ = io.Copy(io.Discard, rc)
		return rc.Close()
	})
	if err != nil {
		return nil, unavailable("upsert", err)
	}

	zap.L().Debug("solr: upsert applied", zap.Int("docs", len(docs)))
	return ids, nil
}

// Close implements Index.
func (s *Solr) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

func (s *Solr) do(req *http.Request) (io.ReadCloser, error) {
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, eris.Wrapf(err, "solr: %s %s", req.Method, req.URL.Path)
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		_ = resp.Body.Close()
		statusErr := eris.Errorf("solr: %s %s: status %d: %s", req.Method, req.URL.Path, resp.StatusCode, strings.TrimSpace(string(msg)))
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(statusErr, resp.StatusCode)
		}
		return nil, statusErr
	}
	return resp.Body, nil
}

// solrFilterQuery renders one filter in Solr standard query syntax.
func solrFilterQuery(f Filter) string {
	if f.Op == OpContains {
		return fmt.Sprintf("%s:*%s*", f.Field, escapeSolrTerm(fmt.Sprint(f.Value)))
	}
	switch v := f.Value.(type) {
	case bool:
		return fmt.Sprintf("%s:%t", f.Field, v)
	case float64:
		return fmt.Sprintf("%s:%s", f.Field, strconv.FormatFloat(v, 'f', -1, 64))
	case int:
		return fmt.Sprintf("%s:%d", f.Field, v)
	case int64:
		return fmt.Sprintf("%s:%d", f.Field, v)
	default:
		return fmt.Sprintf(`%s:"%s"`, f.Field, solrPhraseEscaper.Replace(fmt.Sprint(v)))
	}
}

// solrPhraseEscaper escapes the characters significant inside a quoted term.
var solrPhraseEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

const solrSpecialChars = `+-&|!(){}[]^"~*?:\/ `

func escapeSolrTerm(s string) string {
	var b strings.Builder
	for _, r := range s {
		if strings.ContainsRune(solrSpecialChars, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
