package kong

import (
	"encoding/json"
	"net/http"
	"sync"
)

// Action is a mutating call recorded while capturing.
type Action struct {
	Method string      `json:"method"`
	URL    string      `json:"url"`
	Body   interface{} `json:"body,omitempty"`
}

// FailedComparison is a desired/observed pair which did not match while capturing.
type FailedComparison struct {
	ApiObject  interface{} `json:"apiObject"`
	KongObject interface{} `json:"kongObject"`
}

// Statistics counts gateway calls per method. In capture mode it also keeps every non GET call and
// every failed comparison, which lets a resync prove it changed nothing.
type Statistics struct {
	mu                sync.Mutex
	counts            map[string]int
	actions           []Action
	failedComparisons []FailedComparison
	capture           bool
}

func NewStatistics() *Statistics {
	return &Statistics{counts: map[string]int{}}
}

// Reset starts a new statistics window.
func (s *Statistics) Reset(capture bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts = map[string]int{}
	s.actions = nil
	s.failedComparisons = nil
	s.capture = capture
}

func (s *Statistics) Capturing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capture
}

func (s *Statistics) Record(method, url string, body interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[method]++
	if s.capture && method != http.MethodGet {
		s.actions = append(s.actions, Action{Method: method, URL: url, Body: body})
	}
}

func (s *Statistics) RecordFailedComparison(desired, observed interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.capture {
		return
	}
	s.failedComparisons = append(s.failedComparisons, FailedComparison{ApiObject: desired, KongObject: observed})
}

// Snapshot ends capture mode and returns what was collected.
func (s *Statistics) Snapshot() *StatisticsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.capture = false
	counts := make(map[string]int, len(s.counts))
	for method, n := range s.counts {
		counts[method] = n
	}
	return &StatisticsSnapshot{
		Counts:            counts,
		Actions:           append([]Action{}, s.actions...),
		FailedComparisons: append([]FailedComparison{}, s.failedComparisons...),
	}
}

type StatisticsSnapshot struct {
	Counts            map[string]int
	Actions           []Action
	FailedComparisons []FailedComparison
	Err               error
}

// MarshalJSON flattens the per method counters next to the lists: {"GET": 12, "actions": [...], ...}.
func (s StatisticsSnapshot) MarshalJSON() ([]byte, error) {
	out := map[string]interface{}{
		"actions":           s.Actions,
		"failedComparisons": s.FailedComparisons,
	}
	for method, n := range s.Counts {
		out[method] = n
	}
	if s.Err != nil {
		out["err"] = map[string]string{"message": s.Err.Error()}
	}
	return json.Marshal(out)
}
