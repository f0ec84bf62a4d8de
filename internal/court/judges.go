package court

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/agoranet/backend/internal/config"
	"github.com/agoranet/backend/internal/store"
)

// RulingContext is the case file handed to every judge.
type RulingContext struct {
	TaskID       string        `json:"task_id"`
	TaskSpec     string        `json:"task_spec"`
	Deliverables []Deliverable `json:"deliverables"`
	Claim        string        `json:"claim"`
	Rebuttal     string        `json:"rebuttal"`
}

// Deliverable is the asset metadata a judge sees. Judges do not receive
// blob content over this interface; they fetch it from the Task Board if
// they need it.
type Deliverable struct {
	AssetID     string `json:"asset_id"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	SHA256      string `json:"sha256"`
}

// Judge produces one verdict for a dispute. Implementations must return
// an error rather than a malformed vote.
type Judge interface {
	ID() string
	Judge(ctx context.Context, rc *RulingContext) (*Vote, error)
}

// NewJudges builds the judge panel from config.
func NewJudges(configs []config.JudgeConfig) ([]Judge, error) {
	judges := make([]Judge, 0, len(configs))
	for _, jc := range configs {
		switch jc.Kind {
		case "static":
			judges = append(judges, &staticJudge{id: jc.ID, workerPct: int64(jc.WorkerPct), reasoning: jc.Reasoning})
		case "http":
			timeout := time.Duration(jc.TimeoutSecs) * time.Second
			if timeout <= 0 {
				timeout = 30 * time.Second
			}
			judges = append(judges, &httpJudge{id: jc.ID, url: jc.URL, http: &http.Client{Timeout: timeout}})
		default:
			return nil, fmt.Errorf("judge %q: unknown kind %q", jc.ID, jc.Kind)
		}
	}
	return judges, nil
}

// staticJudge always votes its configured verdict. Used for seeding and
// deterministic test panels.
type staticJudge struct {
	id        string
	workerPct int64
	reasoning string
}

func (j *staticJudge) ID() string { return j.id }

func (j *staticJudge) Judge(ctx context.Context, rc *RulingContext) (*Vote, error) {
	return &Vote{JudgeID: j.id, WorkerPct: j.workerPct, Reasoning: j.reasoning}, nil
}

// httpJudge posts the case file to an external adjudicator and reads the
// vote back.
type httpJudge struct {
	id   string
	url  string
	http *http.Client
}

func (j *httpJudge) ID() string { return j.id }

func (j *httpJudge) Judge(ctx context.Context, rc *RulingContext) (*Vote, error) {
	body, err := json.Marshal(rc)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, j.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := j.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("judge %s returned status %d", j.id, resp.StatusCode)
	}

	var vote Vote
	if err := json.NewDecoder(resp.Body).Decode(&vote); err != nil {
		return nil, err
	}
	return &vote, nil
}

// normalizeVote enforces the vote contract: an in-range integer
// worker_pct, and non-empty judge_id, reasoning and voted_at. Identity
// and timestamp come from the panel when the judge omits them.
func normalizeVote(judge Judge, vote *Vote) (*Vote, error) {
	if vote == nil {
		return nil, fmt.Errorf("judge %s returned no vote", judge.ID())
	}
	if vote.WorkerPct < 0 || vote.WorkerPct > 100 {
		return nil, fmt.Errorf("judge %s voted out-of-range worker_pct %d", judge.ID(), vote.WorkerPct)
	}
	if vote.JudgeID == "" {
		vote.JudgeID = judge.ID()
	}
	if vote.Reasoning == "" {
		vote.Reasoning = "no reasoning provided"
	}
	if vote.VotedAt == "" {
		vote.VotedAt = store.NowISO()
	}
	return vote, nil
}

// medianWorkerPct computes the ruling percentage: the upper median of
// the sorted votes (index n/2).
func medianWorkerPct(votes []*Vote) int64 {
	pcts := make([]int64, len(votes))
	for i, v := range votes {
		pcts[i] = v.WorkerPct
	}
	for i := 1; i < len(pcts); i++ {
		for j := i; j > 0 && pcts[j] < pcts[j-1]; j-- {
			pcts[j], pcts[j-1] = pcts[j-1], pcts[j]
		}
	}
	return pcts[len(pcts)/2]
}
