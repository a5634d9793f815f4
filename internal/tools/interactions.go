package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/drfirst/go-cds/pkg/circuitbreaker"
)

// InteractionsToolName is the registered name of the interaction checker
const InteractionsToolName = "check_drug_interactions"

// InteractionArgs are the interaction checker inputs
type InteractionArgs struct {
	Medications []string `json:"medications" description:"Drug names, e.g. [\"Lisinopril\", \"Aspirin\"]" validate:"max=20,dive,required,max=200"`
}

// RxNavConfig configures the RxNav client
type RxNavConfig struct {
	BaseURL        string
	Timeout        time.Duration
	RequestsPerSec float64
}

// RxNav resolves drug names and looks up interactions against the NLM
// RxNav REST API. Requests are rate limited to stay inside NLM's fair-use
// limit.
type RxNav struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewRxNav creates an RxNav client. breaker may be nil.
func NewRxNav(cfg RxNavConfig, breaker *circuitbreaker.CircuitBreaker, logger *zap.Logger) *RxNav {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RequestsPerSec <= 0 {
		cfg.RequestsPerSec = 15
	}
	return &RxNav{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), 1),
		breaker: breaker,
		logger:  logger,
	}
}

type rxcuiResponse struct {
	IDGroup struct {
		RxNormID []string `json:"rxnormId"`
	} `json:"idGroup"`
}

type interactionResponse struct {
	FullInteractionTypeGroup []struct {
		FullInteractionType []struct {
			InteractionPair []struct {
				Severity    string `json:"severity"`
				Description string `json:"description"`
			} `json:"interactionPair"`
		} `json:"fullInteractionType"`
	} `json:"fullInteractionTypeGroup"`
}

// ResolveRxCUI returns the first RxNorm concept id for a drug name, or ""
// when RxNorm does not know the name.
func (r *RxNav) ResolveRxCUI(ctx context.Context, name string) (string, error) {
	var out rxcuiResponse
	if err := r.get(ctx, "/rxcui.json", url.Values{"name": {name}}, &out); err != nil {
		return "", err
	}
	if len(out.IDGroup.RxNormID) == 0 {
		return "", nil
	}
	return out.IDGroup.RxNormID[0], nil
}

// HighSeverityInteractions returns the descriptions of high-severity
// interaction pairs among rxcuis.
func (r *RxNav) HighSeverityInteractions(ctx context.Context, rxcuis []string) ([]string, error) {
	var out interactionResponse
	// RxNav expects the ids joined by a literal '+'
	query := "rxcuis=" + strings.Join(rxcuis, "+")
	if err := r.getRaw(ctx, "/interaction/list.json?"+query, &out); err != nil {
		return nil, err
	}

	var found []string
	for _, g := range out.FullInteractionTypeGroup {
		for _, ft := range g.FullInteractionType {
			for _, p := range ft.InteractionPair {
				if !strings.EqualFold(p.Severity, "high") {
					continue
				}
				desc := p.Description
				if desc == "" {
					desc = "Interaction detected"
				}
				found = append(found, desc)
			}
		}
	}
	return found, nil
}

func (r *RxNav) get(ctx context.Context, path string, params url.Values, v any) error {
	return r.getRaw(ctx, path+"?"+params.Encode(), v)
}

func (r *RxNav) getRaw(ctx context.Context, pathAndQuery string, v any) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rxnav rate limit: %w", err)
	}
	body, err := circuitbreaker.Do(ctx, r.breaker, func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+pathAndQuery, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		resp, err := r.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("rxnav returned %d", resp.StatusCode)
		}
		return io.ReadAll(io.LimitReader(resp.Body, 5<<20))
	})
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode rxnav response: %w", err)
	}
	return nil
}

// InteractionChecker is the subset of RxNav used by the tool
type InteractionChecker interface {
	ResolveRxCUI(ctx context.Context, name string) (string, error)
	HighSeverityInteractions(ctx context.Context, rxcuis []string) ([]string, error)
}

// NewInteractionsTool returns the drug interaction checker
func NewInteractionsTool(checker InteractionChecker, logger *zap.Logger) Tool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return MustNew(InteractionsToolName,
		"Check a list of drug names for high-severity drug-drug interactions using the NIH RxNorm interaction API.",
		func(ctx context.Context, a InteractionArgs) (Result, error) {
			if len(a.Medications) < 2 {
				return Result{Text: "No interaction check needed (less than 2 drugs)."}, nil
			}

			rxcuis := make([]string, 0, len(a.Medications))
			for _, med := range a.Medications {
				id, err := checker.ResolveRxCUI(ctx, med)
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return Result{}, err
				}
				if err != nil {
					logger.Warn("rxcui lookup failed", zap.String("medication", med), zap.Error(err))
					continue
				}
				if id == "" {
					logger.Debug("no rxcui for medication", zap.String("medication", med))
					continue
				}
				rxcuis = append(rxcuis, id)
			}
			if len(rxcuis) < 2 {
				return Result{Text: "Could not identify enough medications in RxNorm to check interactions. " +
					"This may happen for brand names or uncommon drugs."}, nil
			}

			found, err := checker.HighSeverityInteractions(ctx, rxcuis)
			if err != nil {
				return Result{}, fmt.Errorf("checking drug interactions: %w", err)
			}
			if len(found) == 0 {
				return Result{Text: "No high-severity drug interactions found."}, nil
			}
			lines := make([]string, len(found))
			for i, d := range found {
				lines[i] = "HIGH SEVERITY: " + d
			}
			raw, _ := json.Marshal(map[string]any{"rxcuis": rxcuis, "high_severity": found})
			return Result{Text: strings.Join(lines, "\n"), Raw: raw}, nil
		})
}
