package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/haasonsaas/swarmcore/internal/modelclient"
	"github.com/haasonsaas/swarmcore/pkg/models"
)

const reviewSystemPrompt = `You are assessing a just-completed multi-agent task run. ` +
	`Respond with a single JSON object, no markdown fences, no commentary: ` +
	`{"score":{"completion":0-100,"relevance":0-100,"clarity":0-100,"nonRedundancy":0-100,"safety":0-100,"overall":0-100},` +
	`"verdict":"pass"|"borderline"|"fail","highlights":["..."],"issues":[{"severity":"...","detail":"..."}],` +
	`"nextActions":["..."],"narrative":"..."}`

var (
	reviewTemperature = ptrFloat(0.2)
	reviewTopP        = ptrFloat(0.9)
	reviewMaxTokens   = ptrInt(700)
)

func ptrFloat(v float64) *float64 { return &v }
func ptrInt(v int) *int           { return &v }

type reviewScoreJSON struct {
	Completion    float64 `json:"completion"`
	Relevance     float64 `json:"relevance"`
	Clarity       float64 `json:"clarity"`
	NonRedundancy float64 `json:"nonRedundancy"`
	Safety        float64 `json:"safety"`
	Overall       float64 `json:"overall"`
}

type reviewIssueJSON struct {
	Severity string `json:"severity"`
	Detail   string `json:"detail"`
}

type reviewResponseJSON struct {
	Score       reviewScoreJSON   `json:"score"`
	Verdict     string            `json:"verdict"`
	Highlights  []string          `json:"highlights"`
	Issues      []reviewIssueJSON `json:"issues"`
	NextActions []string          `json:"nextActions"`
	Narrative   string            `json:"narrative"`
}

func stripMarkdownFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func verdictFromOverall(overall float64) models.TaskReviewVerdict {
	switch {
	case overall >= 75:
		return models.VerdictPass
	case overall >= 55:
		return models.VerdictBorderline
	default:
		return models.VerdictFail
	}
}

// parseReview attempts to decode a model's raw reply as a review object.
// It reports false if the reply isn't valid JSON in the expected shape.
func parseReview(raw string, runID string) (models.TaskReview, bool) {
	var parsed reviewResponseJSON
	if err := json.Unmarshal([]byte(stripMarkdownFences(raw)), &parsed); err != nil {
		return models.TaskReview{}, false
	}

	score := models.ReviewScore{
		Completion:    parsed.Score.Completion,
		Relevance:     parsed.Score.Relevance,
		Clarity:       parsed.Score.Clarity,
		NonRedundancy: parsed.Score.NonRedundancy,
		Safety:        parsed.Score.Safety,
		Overall:       parsed.Score.Overall,
	}
	score.Clamp()
	if score.Overall == 0 {
		score.Overall = (score.Completion + score.Relevance + score.Clarity + score.NonRedundancy + score.Safety) / 5
	}

	verdict := models.TaskReviewVerdict(parsed.Verdict)
	switch verdict {
	case models.VerdictPass, models.VerdictBorderline, models.VerdictFail:
	default:
		verdict = verdictFromOverall(score.Overall)
	}

	issues := make([]models.ReviewIssue, 0, len(parsed.Issues))
	for _, i := range parsed.Issues {
		issues = append(issues, models.ReviewIssue{Severity: i.Severity, Detail: i.Detail})
	}

	return models.TaskReview{
		TaskRunID:   runID,
		Score:       score,
		Verdict:     verdict,
		Highlights:  parsed.Highlights,
		Issues:      issues,
		NextActions: parsed.NextActions,
		Narrative:   parsed.Narrative,
	}, true
}

// heuristicReview implements the deterministic fallback spec §4.4 names
// for when the model call fails or yields non-JSON: completion anchors
// on the stop reason, then both completion and non-redundancy are
// penalized by the repeated-output ratio (the metric most directly
// implicated by that ratio), with a lighter penalty bleeding into
// relevance/clarity and safety left untouched.
func heuristicReview(run models.TaskRun) models.TaskReview {
	reason := models.StopManual
	if run.StopReason != nil {
		reason = *run.StopReason
	}

	var base float64
	switch reason {
	case models.StopGoalReached:
		base = 82
	case models.StopManual, models.StopManualReplaced:
		base = 68
	default:
		base = 60
	}

	penalty := 45 * run.Metrics.RepeatedRatio
	score := models.ReviewScore{
		Completion:    base - penalty,
		Relevance:     base - penalty*0.5,
		Clarity:       base - penalty*0.5,
		NonRedundancy: base - penalty,
		Safety:        90,
	}
	score.Overall = (score.Completion + score.Relevance + score.Clarity + score.NonRedundancy + score.Safety) / 5
	score.Clamp()

	return models.TaskReview{
		TaskRunID: run.ID,
		Score:     score,
		Verdict:   verdictFromOverall(score.Overall),
		Narrative: fmt.Sprintf("heuristic review: stop reason %s, repeated ratio %.2f", reason, run.Metrics.RepeatedRatio),
	}
}

// drainFinal runs req to completion and returns only its terminal
// snapshot, discarding intermediate deltas — the review call has no
// streaming UI consumer.
func drainFinal(ctx context.Context, client modelclient.Client, req modelclient.Request) (modelclient.Snapshot, error) {
	ch, err := client.Stream(ctx, req)
	if err != nil {
		return modelclient.Snapshot{}, err
	}
	var final modelclient.Snapshot
	for ev := range ch {
		if ev.Kind == modelclient.EventDone && ev.Final != nil {
			final = *ev.Final
		}
	}
	return final, nil
}

// generateReview asks ownerProfile's model for a quality review of the
// completed run, falling back to the deterministic heuristic on any
// failure (spec §4.4).
func generateReview(ctx context.Context, deps Deps, run models.TaskRun, ownerProfile models.ModelProfile, transcript string) models.TaskReview {
	if !ownerProfile.Complete() {
		return heuristicReview(run)
	}
	client, err := clientFor(deps, modelclient.DialectFor(ownerProfile.Provider))
	if err != nil {
		return heuristicReview(run)
	}

	snap, err := drainFinal(ctx, client, modelclient.Request{
		Profile: ownerProfile,
		History: []models.HistoryEntry{
			{Role: models.RoleSystem, Content: reviewSystemPrompt},
			{Role: models.RoleUser, Content: transcript},
		},
		Temperature: reviewTemperature,
		TopP:        reviewTopP,
		MaxTokens:   reviewMaxTokens,
	})
	if err != nil {
		return heuristicReview(run)
	}

	review, ok := parseReview(snap.Content, run.ID)
	if !ok {
		return heuristicReview(run)
	}
	return review
}
