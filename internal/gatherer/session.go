package gatherer

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/mohammad-safakhou/taskforge/internal/core"
)

type State string

const (
	StateGathering  State = "gathering_requirements"
	StateConfirming State = "confirming_requirements"
	StateCompleted  State = "completed"
)

// Session is the requirement-gathering state of one conversation.
// Transition functions take a Session by value and return the next one.
type Session struct {
	ID             string            `json:"id"`
	ConversationID string            `json:"conversation_id"`
	State          State             `json:"state"`
	Intent         string            `json:"intent"`
	TaskType       core.TaskType     `json:"task_type"`
	Questions      []Question        `json:"questions"`
	Answers        map[string]string `json:"answers"`
	Reasks         int               `json:"reasks"`
	Job            *core.JobSpec     `json:"job,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// Reply is what the conversation layer shows the user after a transition.
type Reply struct {
	SessionID string            `json:"session_id"`
	State     State             `json:"state"`
	Message   string            `json:"message"`
	Questions []Question        `json:"questions,omitempty"`
	Answers   map[string]string `json:"answers,omitempty"`
	Job       *core.JobSpec     `json:"job,omitempty"`
}

// Start opens a session for a qualifying request and asks every question.
func Start(id, conversationID, intent string, now time.Time) (Session, Reply) {
	_, taskType := Detect(intent)
	if taskType == "" {
		taskType = core.TaskMixed
	}
	s := Session{
		ID:             id,
		ConversationID: conversationID,
		State:          StateGathering,
		Intent:         strings.TrimSpace(intent),
		TaskType:       taskType,
		Questions:      DefaultQuestions(),
		Answers:        map[string]string{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	return s, Reply{
		SessionID: s.ID,
		State:     s.State,
		Message:   "ご依頼を承りました。以下の項目について番号付きで回答してください。\n" + promptQuestions(s.Questions),
		Questions: s.Questions,
	}
}

// Step dispatches text to the transition for the session's state.
func Step(s Session, text string, now time.Time) (Session, Reply) {
	switch s.State {
	case StateGathering:
		return Answer(s, text, now)
	case StateConfirming:
		return Confirm(s, text, now)
	default:
		return s, Reply{SessionID: s.ID, State: s.State, Message: "要件は確定済みです。", Job: s.Job}
	}
}

// Answer applies a message to the outstanding questions. Required questions without a
// usable answer are asked again; optional ones take their default.
func Answer(s Session, text string, now time.Time) (Session, Reply) {
	s = s.clone()
	outstanding := s.outstanding()
	for id, v := range ParseAnswers(outstanding, text) {
		s.Answers[id] = v
	}
	for _, q := range s.Questions {
		if _, ok := s.Answers[q.ID]; !ok && q.Optional {
			s.Answers[q.ID] = q.Default
		}
	}
	s.UpdatedAt = now

	if missing := s.outstanding(); len(missing) > 0 {
		s.Reasks++
		return s, Reply{
			SessionID: s.ID,
			State:     s.State,
			Message:   "次の項目の回答を確認できませんでした。番号付きで回答してください。\n" + promptQuestions(missing),
			Questions: missing,
			Answers:   copyAnswers(s.Answers),
		}
	}
	s.State = StateConfirming
	return s, s.confirmReply("以下の内容で進めてよろしいですか？（はい / 修正内容）")
}

var (
	affirmative = regexp.MustCompile(`(?i)^\s*((ok|okay|yes|y|sure|lgtm|go ahead)\b|はい|了解|お願い|それで|進めて|確定|問題ない|大丈夫)`)
	negative    = regexp.MustCompile(`(?i)\b(no|nope|change|wrong|modify|edit)\b|いいえ|いや|変更|修正|違う|ちがう|直して`)
	restart     = regexp.MustCompile(`(?i)\b(start over|restart|from scratch)\b|最初から|やり直し`)
)

// Confirm handles the reply to the requirements summary. An affirmative reply completes
// the session and synthesizes the JobSpec, even when it repeats a current answer.
// Corrections that change an answer are applied and the summary is shown again; naming a question without a new value sends it back to gathering.
func Confirm(s Session, text string, now time.Time) (Session, Reply) {
	s = s.clone()
	s.UpdatedAt = now

	if restart.MatchString(text) {
		s.Answers = map[string]string{}
		s.State = StateGathering
		return s, Reply{
			SessionID: s.ID,
			State:     s.State,
			Message:   "最初からやり直します。\n" + promptQuestions(s.Questions),
			Questions: s.Questions,
		}
	}

	changed := false
	for id, v := range ParseAnswers(s.Questions, text) {
		if s.Answers[id] == v {
			continue
		}
		s.Answers[id] = v
		changed = true
	}
	if changed {
		return s, s.confirmReply("修正しました。以下の内容で進めてよろしいですか？")
	}

	if negative.MatchString(text) {
		var reopen []Question
		for _, q := range s.Questions {
			if q.mentions(text) {
				delete(s.Answers, q.ID)
				reopen = append(reopen, q)
			}
		}
		if len(reopen) > 0 {
			s.State = StateGathering
			return s, Reply{
				SessionID: s.ID,
				State:     s.State,
				Message:   "変更内容を回答してください。\n" + promptQuestions(reopen),
				Questions: reopen,
				Answers:   copyAnswers(s.Answers),
			}
		}
		return s, s.confirmReply("どの項目を変更しますか？番号付きで新しい回答を送ってください。")
	}

	if affirmative.MatchString(text) {
		job := BuildJobSpec(s, now)
		s.Job = &job
		s.State = StateCompleted
		return s, Reply{
			SessionID: s.ID,
			State:     s.State,
			Message:   "要件を確定しました。実行計画を作成します。",
			Answers:   copyAnswers(s.Answers),
			Job:       s.Job,
		}
	}
	return s, s.confirmReply("「はい」で確定、または番号付きで修正内容を送ってください。")
}

func (s Session) outstanding() []Question {
	var out []Question
	for _, q := range s.Questions {
		if _, ok := s.Answers[q.ID]; !ok {
			out = append(out, q)
		}
	}
	return out
}

func (s Session) clone() Session {
	s.Answers = copyAnswers(s.Answers)
	if s.Answers == nil {
		s.Answers = map[string]string{}
	}
	return s
}

func (s Session) confirmReply(lead string) Reply {
	var b strings.Builder
	b.WriteString(lead)
	b.WriteString("\n")
	for i, q := range s.Questions {
		fmt.Fprintf(&b, "%d. %s: %s\n", i+1, q.Label, s.Answers[q.ID])
	}
	return Reply{SessionID: s.ID, State: s.State, Message: strings.TrimRight(b.String(), "\n"), Answers: copyAnswers(s.Answers)}
}

func promptQuestions(qs []Question) string {
	var b strings.Builder
	for i, q := range qs {
		fmt.Fprintf(&b, "%d. %s", i+1, q.Label)
		if len(q.Options) > 0 {
			labels := make([]string, 0, len(q.Options))
			for _, o := range q.Options {
				labels = append(labels, o.Label)
			}
			fmt.Fprintf(&b, "（%s）", strings.Join(labels, " / "))
		}
		if q.Optional {
			fmt.Fprintf(&b, " 任意、既定: %s", q.Default)
		}
		if q.Hint != "" {
			fmt.Fprintf(&b, " ※%s", q.Hint)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func copyAnswers(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
