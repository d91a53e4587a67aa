package safety

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/citewalk/content-pipeline/internal/models"
	"github.com/citewalk/content-pipeline/internal/resilience"
)

// Verdict is the outcome of a safety check
type Verdict struct {
	Safe        bool              `json:"safe"`
	ReasonCode  models.ReasonCode `json:"reason_code,omitempty"`
	Reason      string            `json:"reason,omitempty"`
	Confidence  float64           `json:"confidence"`
	NeedsStage2 bool              `json:"needs_stage2,omitempty"`
}

// Options tunes a single text check
type Options struct {
	// OnlyFast skips the remote stage and returns the stage 1 verdict as is
	OnlyFast bool
	// ExcludeID keeps an item out of its own repeated-content history
	ExcludeID string
}

// Config holds classifier thresholds
type Config struct {
	RejectThreshold  float64
	AcceptThreshold  float64
	RepeatSimilarity float64
	RepeatMinMatches int
	RepeatHistory    int
	TextTimeout      time.Duration
	ImageTimeout     time.Duration
}

func (c *Config) applyDefaults() {
	if c.RejectThreshold <= 0 {
		c.RejectThreshold = 0.9
	}
	if c.AcceptThreshold <= 0 {
		c.AcceptThreshold = 0.1
	}
	if c.RepeatSimilarity <= 0 {
		c.RepeatSimilarity = 0.9
	}
	if c.RepeatMinMatches <= 0 {
		c.RepeatMinMatches = 2
	}
	if c.RepeatHistory <= 0 {
		c.RepeatHistory = 50
	}
	if c.TextTimeout <= 0 {
		c.TextTimeout = 5 * time.Second
	}
	if c.ImageTimeout <= 0 {
		c.ImageTimeout = 10 * time.Second
	}
}

// Classifier runs the two-stage content safety pipeline
type Classifier struct {
	history HistoryReader
	remote  Remote
	breaker *resilience.Breaker
	model   *spamModel
	cfg     Config
}

// NewClassifier wires the classifier. A nil remote always uses the local fallback.
func NewClassifier(history HistoryReader, remote Remote, breaker *resilience.Breaker, cfg Config) *Classifier {
	cfg.applyDefaults()
	if breaker == nil {
		breaker = resilience.New(resilience.Options{Name: "classifier"})
	}
	return &Classifier{
		history: history,
		remote:  remote,
		breaker: breaker,
		model:   seedModel(),
		cfg:     cfg,
	}
}

// CheckText classifies text written by authorID. It never fails: dependency
// errors degrade to local checks.
func (c *Classifier) CheckText(ctx context.Context, text, authorID string, opts Options) Verdict {
	first := c.stage1(ctx, text, authorID, opts.ExcludeID)
	if !first.NeedsStage2 || opts.OnlyFast {
		return first
	}

	second := c.stage2(ctx, text)
	if !second.Safe {
		if second.Reason == "" {
			second.Reason = "Content flagged by automated safety analysis."
		}
		return second
	}

	return Verdict{
		Safe:       true,
		Confidence: (first.Confidence + second.Confidence) / 2,
	}
}

func (c *Classifier) stage1(ctx context.Context, text, authorID, excludeID string) Verdict {
	if c.history != nil && authorID != "" {
		history, err := c.history.RecentBodies(ctx, authorID, excludeID, c.cfg.RepeatHistory)
		if err != nil {
			logrus.Warnf("Skipping repeated-content check for %s: %v", authorID, err)
		} else if n := countRepeats(text, history, c.cfg.RepeatSimilarity); n >= c.cfg.RepeatMinMatches {
			return Verdict{
				Safe:       false,
				ReasonCode: models.ReasonRepeated,
				Reason:     fmt.Sprintf("Repeated content detected. This content has been posted %d times.", n),
				Confidence: 0.95,
			}
		}
	}

	p := c.model.SpamProbability(text)
	switch {
	case p > c.cfg.RejectThreshold:
		return Verdict{
			Safe:       false,
			ReasonCode: models.ReasonSpam,
			Reason:     "Content flagged as spam by automated filter.",
			Confidence: p,
		}
	case p < c.cfg.AcceptThreshold:
		return Verdict{Safe: true, Confidence: 1 - p}
	default:
		return Verdict{Safe: true, Confidence: 1 - p, NeedsStage2: true}
	}
}

func (c *Classifier) stage2(ctx context.Context, text string) Verdict {
	if c.remote == nil {
		return keywordVerdict(text)
	}

	result, err := resilience.Call(ctx, c.breaker, func(ctx context.Context) (*RemoteResult, error) {
		ctx, cancel := context.WithTimeout(ctx, c.cfg.TextTimeout)
		defer cancel()
		return c.remote.ClassifyText(ctx, text)
	})
	if err != nil {
		logrus.Debugf("Remote text classification unavailable, using keyword fallback: %v", err)
		return keywordVerdict(text)
	}

	return fromRemote(result)
}

func fromRemote(r *RemoteResult) Verdict {
	v := Verdict{Safe: r.Safe, Reason: r.Reason, Confidence: r.Confidence}
	if !r.Safe {
		v.ReasonCode = models.ParseReasonCode(r.ReasonCode)
	}
	return v
}
