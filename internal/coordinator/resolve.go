package coordinator

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ShayCichocki/cadence/pkg/models"
)

// claim is one task's value for an output key.
type claim struct {
	task  string
	role  string
	value any
}

func (c *Coordinator) resolve(ctx context.Context, s *session, result *SessionResult) error {
	res := &result.Resolution
	res.Outputs = map[string]any{}

	for _, id := range result.Order {
		if s.bypassed[id] {
			res.Path = append(res.Path, fmt.Sprintf("degraded: skipped %s (%s)", id, s.tasks[id].Role))
		}
	}
	completed := completedInOrder(s, result.Order)

	switch s.req.Mode {
	case ModeJoint:
		return c.resolveJoint(s, completed, res)
	case ModeCompetitive:
		return c.resolveCompetitive(ctx, s, completed, res)
	default:
		return c.resolveConflicts(completed, res)
	}
}

func completedInOrder(s *session, order []string) []models.TaskSnapshot {
	var out []models.TaskSnapshot
	for _, id := range order {
		if s.skipped[id] {
			continue
		}
		if snap := s.results[id]; snap.State == models.TaskCompleted {
			out = append(out, snap)
		}
	}
	return out
}

func outputsOf(snap models.TaskSnapshot) map[string]any {
	if snap.Result == nil {
		return nil
	}
	return snap.Result.Outputs()
}

// resolveConflicts merges outputs. Keys every task agrees on merge as-is.
// Disagreements go to the task whose role ranks highest in the authority
// ladder; when no single claim ranks highest the conflict needs a human.
func (c *Coordinator) resolveConflicts(completed []models.TaskSnapshot, res *Resolution) error {
	claims := map[string][]claim{}
	for _, snap := range completed {
		for k, v := range outputsOf(snap) {
			claims[k] = append(claims[k], claim{task: snap.ID, role: snap.Role, value: v})
		}
	}

	keys := make([]string, 0, len(claims))
	for k := range claims {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var conflict error
	steps := len(res.Path)
	for _, key := range keys {
		cs := claims[key]
		if agree(cs) {
			res.Outputs[key] = cs[0].value
			continue
		}

		winner, ok := c.byAuthority(cs)
		if !ok {
			res.Path = append(res.Path, fmt.Sprintf("human decision required for %q", key))
			if conflict == nil {
				conflict = conflictError(key, cs)
			}
			continue
		}
		res.Outputs[key] = winner.value
		res.Path = append(res.Path, fmt.Sprintf("authority: %s (%s) wins %q", winner.task, winner.role, key))
	}

	if len(res.Path) == steps {
		res.Path = append(res.Path, "no conflicts")
	}
	return conflict
}

func agree(cs []claim) bool {
	for _, c := range cs[1:] {
		if !reflect.DeepEqual(c.value, cs[0].value) {
			return false
		}
	}
	return true
}

// byAuthority returns the claim from the highest-ranked role. It fails when
// no claimant is ranked or when the best-ranked claims disagree.
func (c *Coordinator) byAuthority(cs []claim) (claim, bool) {
	best := -1
	var top []claim
	for _, cl := range cs {
		rank, ok := c.authority[cl.role]
		if !ok {
			continue
		}
		switch {
		case best == -1 || rank < best:
			best = rank
			top = []claim{cl}
		case rank == best:
			top = append(top, cl)
		}
	}
	if len(top) == 0 || !agree(top) {
		return claim{}, false
	}
	return top[0], true
}

func conflictError(key string, cs []claim) *ConflictError {
	e := &ConflictError{Key: key}
	for _, cl := range cs {
		e.Tasks = append(e.Tasks, cl.task)
		e.Roles = append(e.Roles, cl.role)
	}
	return e
}

func (c *Coordinator) resolveJoint(s *session, completed []models.TaskSnapshot, res *Resolution) error {
	primary := s.req.Primary
	var primarySnap *models.TaskSnapshot
	for i := range completed {
		if completed[i].ID == primary {
			primarySnap = &completed[i]
		}
	}
	if primarySnap == nil {
		if snap, ran := s.results[primary]; ran && !s.skipped[primary] {
			return failure(snap)
		}
		reason := "skipped"
		if s.bypassed[primary] {
			reason = "role degraded"
		}
		return &TaskFailedError{TaskID: primary, Role: s.tasks[primary].Role, State: models.TaskCancelled, Reason: reason}
	}

	for k, v := range outputsOf(*primarySnap) {
		res.Outputs[k] = v
	}
	res.Winner = primary
	res.Annotations = map[string]map[string]any{}
	for _, snap := range completed {
		if snap.ID == primary {
			continue
		}
		if out := outputsOf(snap); out != nil {
			res.Annotations[snap.ID] = out
		}
	}
	res.Path = append(res.Path, fmt.Sprintf("joint: %s (%s) authoritative, %d annotations",
		primary, primarySnap.Role, len(res.Annotations)))
	return nil
}

// resolveCompetitive scores every completed candidate concurrently and keeps
// the best. Ties go to the candidate earliest in execution order and are
// recorded in the resolution path.
func (c *Coordinator) resolveCompetitive(ctx context.Context, s *session, completed []models.TaskSnapshot, res *Resolution) error {
	if len(completed) == 0 {
		return ErrNoWinner
	}

	scores := make([]float64, len(completed))
	g, gctx := errgroup.WithContext(ctx)
	var mu sync.Mutex
	for i, snap := range completed {
		g.Go(func() error {
			score, err := s.req.Scorer(gctx, snap)
			if err != nil {
				return fmt.Errorf("score candidate %s: %w", snap.ID, err)
			}
			mu.Lock()
			scores[i] = score
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	winner := 0
	for i := range scores {
		if scores[i] > scores[winner] {
			winner = i
		}
	}

	w := completed[winner]
	for k, v := range outputsOf(w) {
		res.Outputs[k] = v
	}
	res.Winner = w.ID

	var losers []string
	for i, snap := range completed {
		if i == winner {
			continue
		}
		losers = append(losers, snap.ID)
		s.logger.Info("competitive candidate discarded",
			zap.String("task", snap.ID),
			zap.String("role", snap.Role),
			zap.Float64("score", scores[i]),
			zap.Float64("winning_score", scores[winner]))
	}
	path := fmt.Sprintf("competitive: %s (%s) scored %.3f", w.ID, w.Role, scores[winner])
	if len(losers) > 0 {
		path += " over " + strings.Join(losers, ", ")
	}
	res.Path = append(res.Path, path)

	var tied []string
	for i, snap := range completed {
		if i != winner && scores[i] == scores[winner] {
			tied = append(tied, snap.ID)
		}
	}
	if len(tied) > 0 {
		res.Path = append(res.Path, fmt.Sprintf("tie at %.3f broken by execution order: %s before %s",
			scores[winner], w.ID, strings.Join(tied, ", ")))
	}
	return nil
}
