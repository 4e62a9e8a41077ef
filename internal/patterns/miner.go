package patterns

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/miradorstack/deploywatch-rca/internal/models"
)

// DefaultMinOccurrences is the smallest group reported as a recurring pattern.
const DefaultMinOccurrences = 2

const maxSignatureLen = 120

// Store abstracts persistence for mined patterns.
type Store interface {
	StorePatterns(ctx context.Context, service string, patterns []models.FailurePattern) error
}

// Miner groups reports by normalised error signature to surface recurring failures.
type Miner struct {
	store          Store
	logger         *slog.Logger
	minOccurrences int
}

// NewMiner constructs a Miner; store may be nil for dry runs.
func NewMiner(logger *slog.Logger, store Store) *Miner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Miner{store: store, logger: logger, minOccurrences: DefaultMinOccurrences}
}

// WithMinOccurrences overrides the recurrence threshold.
func (m *Miner) WithMinOccurrences(n int) *Miner {
	if n > 0 {
		m.minOccurrences = n
	}
	return m
}

// Mine aggregates reports into patterns. An empty service mines every service.
func (m *Miner) Mine(ctx context.Context, service string, reports []models.RCAReport) ([]models.FailurePattern, error) {
	if len(reports) == 0 {
		return nil, nil
	}

	groups := make(map[string]*aggregate)
	total := 0
	for _, r := range reports {
		if service != "" && !strings.EqualFold(r.Service, service) {
			continue
		}
		total++
		sig := Signature(r.Error)
		key := strings.ToLower(r.Service) + "\x00" + sig
		agg, ok := groups[key]
		if !ok {
			agg = &aggregate{service: r.Service, signature: sig, rootCauses: make(map[string]int)}
			groups[key] = agg
		}
		agg.add(r)
	}

	patterns := make([]models.FailurePattern, 0, len(groups))
	for _, agg := range groups {
		if agg.count < m.minOccurrences {
			continue
		}
		patterns = append(patterns, models.FailurePattern{
			ID:               patternID(agg.service, agg.signature),
			Service:          agg.service,
			Signature:        agg.signature,
			Occurrences:      agg.count,
			Prevalence:       float64(agg.count) / float64(total),
			DeploymentLinked: float64(agg.deployLinked) / float64(agg.count),
			TopRootCauses:    agg.topRootCauses(3),
			Commits:          agg.commits,
			LastSeen:         agg.lastSeen,
		})
	}

	sort.Slice(patterns, func(i, j int) bool {
		if patterns[i].Occurrences != patterns[j].Occurrences {
			return patterns[i].Occurrences > patterns[j].Occurrences
		}
		return patterns[i].LastSeen.After(patterns[j].LastSeen)
	})

	if m.store != nil && len(patterns) > 0 {
		if err := m.store.StorePatterns(ctx, service, patterns); err != nil {
			m.logger.Warn("pattern store failed", slog.Any("error", err))
		}
	}

	return patterns, nil
}

var (
	uuidPattern   = regexp.MustCompile(`(?i)\b[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\b`)
	hexPattern    = regexp.MustCompile(`(?i)\b(0x[0-9a-f]+|[0-9a-f]{8,})\b`)
	quotedPattern = regexp.MustCompile(`"[^"]*"|'[^']*'`)
	numberPattern = regexp.MustCompile(`(?i)\b\d+(\.\d+)?[a-z]{0,3}\b`)
	spacePattern  = regexp.MustCompile(`\s+`)
)

// Signature normalises an error message so variable parts (ids, numbers with an optional
// unit suffix, quoted values) collapse into placeholders.
func Signature(message string) string {
	line := message
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	line = uuidPattern.ReplaceAllString(line, "<uuid>")
	line = hexPattern.ReplaceAllString(line, "<hex>")
	line = quotedPattern.ReplaceAllString(line, "<str>")
	line = numberPattern.ReplaceAllString(line, "<n>")
	line = strings.TrimSpace(spacePattern.ReplaceAllString(line, " "))
	if len(line) > maxSignatureLen {
		line = line[:maxSignatureLen]
	}
	return line
}

func patternID(service, signature string) string {
	h := fnv.New64a()
	h.Write([]byte(strings.ToLower(service)))
	h.Write([]byte{0})
	h.Write([]byte(signature))
	return fmt.Sprintf("pattern-%016x", h.Sum64())
}

type aggregate struct {
	service      string
	signature    string
	count        int
	deployLinked int
	lastSeen     time.Time
	rootCauses   map[string]int
	commits      []string
}

const maxCommitsPerPattern = 5

func (agg *aggregate) add(r models.RCAReport) {
	agg.count++
	if r.IsDeploymentRelated {
		agg.deployLinked++
	}
	if r.CreatedAt.After(agg.lastSeen) {
		agg.lastSeen = r.CreatedAt
	}
	if r.RootCause != "" && r.RootCause != models.RootCauseIncomplete {
		agg.rootCauses[r.RootCause]++
	}
	if r.Commit != "" && len(agg.commits) < maxCommitsPerPattern {
		for _, c := range agg.commits {
			if c == r.Commit {
				return
			}
		}
		agg.commits = append(agg.commits, r.Commit)
	}
}

func (agg *aggregate) topRootCauses(limit int) []string {
	causes := make([]string, 0, len(agg.rootCauses))
	for cause := range agg.rootCauses {
		causes = append(causes, cause)
	}
	sort.Slice(causes, func(i, j int) bool {
		if agg.rootCauses[causes[i]] != agg.rootCauses[causes[j]] {
			return agg.rootCauses[causes[i]] > agg.rootCauses[causes[j]]
		}
		return causes[i] < causes[j]
	})
	if len(causes) > limit {
		causes = causes[:limit]
	}
	return causes
}
