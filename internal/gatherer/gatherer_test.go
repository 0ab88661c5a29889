package gatherer

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/mohammad-safakhou/taskforge/internal/core"
)

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func TestDetect(t *testing.T) {
	cases := []struct {
		in   string
		ok   bool
		want core.TaskType
	}{
		{"research company X and summarize it", true, core.TaskResearch},
		{"Acme Corpについて調べてください", true, core.TaskResearch},
		{"AとBを比較して", true, core.TaskComparison},
		{"analyze the churn data", true, core.TaskAnalysis},
		{"競合の動向を監視してほしい", true, core.TaskMonitoring},
		{"こんにちは", false, ""},
		{"   ", false, ""},
	}
	for _, tc := range cases {
		ok, got := Detect(tc.in)
		if ok != tc.ok || got != tc.want {
			t.Fatalf("Detect(%q) = %v, %s", tc.in, ok, got)
		}
	}
}

func TestNumberedAnswersMoveToConfirming(t *testing.T) {
	s, reply := Start("s1", "c1", "Acme Corpについて調べてください", t0)
	if s.State != StateGathering || len(reply.Questions) != 4 {
		t.Fatalf("unexpected start: %s %d", s.State, len(reply.Questions))
	}

	s, reply = Answer(s, "1. マークダウンレポート 2. 1時間以内 3. 公式サイトのみ 4. 社外公開可能", t0)
	if s.State != StateConfirming {
		t.Fatalf("expected confirming, got %s (%s)", s.State, reply.Message)
	}
	want := map[string]string{
		QDeliverable: "マークダウンレポート",
		QDeadline:    "1時間以内",
		QSources:     "公式サイトのみ",
		QPrivacy:     "社外公開可能",
	}
	for id, v := range want {
		if s.Answers[id] != v {
			t.Fatalf("answer %s = %q, want %q", id, s.Answers[id], v)
		}
	}
	if !strings.Contains(reply.Message, "4. 公開範囲: 社外公開可能") {
		t.Fatalf("summary missing privacy line: %s", reply.Message)
	}
}

func TestFullwidthAndCircledNumbers(t *testing.T) {
	qs := DefaultQuestions()
	for _, text := range []string{
		"①CSV表 ②今日中 ③制限なし ④機密",
		"１．CSV表\n２．今日中\n３．制限なし\n４．機密",
	} {
		got := ParseAnswers(qs, text)
		if got[QDeliverable] != "CSV表" || got[QDeadline] != "今日中" || got[QSources] != "制限なし" || got[QPrivacy] != "機密" {
			t.Fatalf("ParseAnswers(%q) = %v", text, got)
		}
	}
}

func TestPartialAnswerReasksRequired(t *testing.T) {
	s, _ := Start("s1", "c1", "research Acme Corp", t0)
	s, reply := Answer(s, "1. CSV", t0)
	if s.State != StateGathering {
		t.Fatalf("expected gathering, got %s", s.State)
	}
	if s.Answers[QDeliverable] != "CSV表" || s.Answers[QDeadline] != "制限なし" {
		t.Fatalf("unexpected answers: %v", s.Answers)
	}
	if len(reply.Questions) != 2 || reply.Questions[0].ID != QSources || reply.Questions[1].ID != QPrivacy {
		t.Fatalf("unexpected re-ask: %+v", reply.Questions)
	}
	if s.Reasks != 1 {
		t.Fatalf("reasks = %d", s.Reasks)
	}

	// Numbering is relative to the questions just asked.
	s, _ = Answer(s, "1. ニュースサイト 2. 社内限定", t0)
	if s.State != StateConfirming || s.Answers[QSources] != "ニュースサイト" || s.Answers[QPrivacy] != "社内限定" {
		t.Fatalf("unexpected session: %s %v", s.State, s.Answers)
	}
}

func TestKeywordFallback(t *testing.T) {
	s, _ := Start("s1", "c1", "research Acme Corp", t0)
	s, _ = Answer(s, "json, internal, official", t0)
	if s.State != StateConfirming {
		t.Fatalf("expected confirming, got %s %v", s.State, s.Answers)
	}
	if s.Answers[QDeliverable] != "JSON" || s.Answers[QPrivacy] != "社内限定" || s.Answers[QSources] != "公式サイトのみ" {
		t.Fatalf("unexpected answers: %v", s.Answers)
	}
}

func TestUnusableAnswerIsNotDefaulted(t *testing.T) {
	s, _ := Start("s1", "c1", "research Acme Corp", t0)
	s, reply := Answer(s, "よくわからない", t0)
	if s.State != StateGathering {
		t.Fatalf("expected gathering, got %s", s.State)
	}
	if _, ok := s.Answers[QPrivacy]; ok {
		t.Fatalf("required question must not be defaulted")
	}
	if len(reply.Questions) != 3 {
		t.Fatalf("expected 3 re-asked questions, got %d", len(reply.Questions))
	}
}

func confirming(t *testing.T) Session {
	t.Helper()
	s, _ := Start("s1", "c1", "Acme Corpについて調べてください https://www.acme.example.com/about", t0)
	s, _ = Answer(s, "1. マークダウンレポート 2. 1時間以内 3. 公式サイトのみ 4. 社外公開可能", t0)
	if s.State != StateConfirming {
		t.Fatalf("setup: state %s", s.State)
	}
	return s
}

func TestConfirmAffirmativeBuildsJob(t *testing.T) {
	s := confirming(t)
	later := t0.Add(time.Minute)
	s, reply := Confirm(s, "はい、お願いします", later)
	if s.State != StateCompleted || reply.Job == nil {
		t.Fatalf("expected completed with job, got %s", s.State)
	}
	job := *reply.Job
	if job.TaskID != "task_s1" || job.TaskType != core.TaskResearch || job.Goal != "Acme Corp" {
		t.Fatalf("unexpected job header: %+v", job)
	}
	if len(job.Deliverables) != 1 || job.Deliverables[0].Format != "md" || job.Deliverables[0].Type != "report" {
		t.Fatalf("unexpected deliverables: %+v", job.Deliverables)
	}
	c := job.Constraints
	if c.Privacy != core.PrivacyPublic || c.DeadlineHint == nil || *c.DeadlineHint != "PT1H" {
		t.Fatalf("unexpected constraints: %+v", c)
	}
	if len(c.AllowDomains) != 1 || c.AllowDomains[0] != "acme.example.com" {
		t.Fatalf("unexpected allow domains: %v", c.AllowDomains)
	}
	if strings.Join(c.Languages, ",") != "ja,en" {
		t.Fatalf("languages = %v", c.Languages)
	}
	if len(job.Inputs.SeedURLs) != 1 || job.Inputs.SeedURLs[0] != "https://www.acme.example.com/about" {
		t.Fatalf("seed urls = %v", job.Inputs.SeedURLs)
	}
	if job.Notes != "official_only" || job.AcceptanceCriteria[0] != "Report cites source URLs for every finding" {
		t.Fatalf("unexpected notes/criteria: %q %v", job.Notes, job.AcceptanceCriteria)
	}
	if !job.CreatedAt.Equal(later) {
		t.Fatalf("created at = %v", job.CreatedAt)
	}

	// Further messages do not change a completed session.
	again, _ := Step(s, "2. 今日中", later)
	if again.State != StateCompleted || again.Answers[QDeadline] != "1時間以内" {
		t.Fatalf("completed session changed: %+v", again)
	}
}

func TestConfirmAffirmativeRepeatingAnswer(t *testing.T) {
	for _, text := range []string{"はい、マークダウンレポートでお願いします", "yes, the markdown report is fine"} {
		s := confirming(t)
		s, reply := Confirm(s, text, t0)
		if s.State != StateCompleted || reply.Job == nil {
			t.Fatalf("%q: expected completed with job, got %s: %s", text, s.State, reply.Message)
		}
		if s.Answers[QDeliverable] != "マークダウンレポート" {
			t.Fatalf("%q: deliverable = %q", text, s.Answers[QDeliverable])
		}
	}
}

func TestConfirmAffirmativeWithChangeReconfirms(t *testing.T) {
	s := confirming(t)
	s, reply := Confirm(s, "はい、CSV表でお願いします", t0)
	if s.State != StateConfirming || reply.Job != nil || s.Answers[QDeliverable] != "CSV表" {
		t.Fatalf("unexpected: %s %v", s.State, s.Answers)
	}
}

func TestConfirmCorrectionStaysConfirming(t *testing.T) {
	s := confirming(t)
	s, reply := Confirm(s, "2. 今日中", t0)
	if s.State != StateConfirming || s.Answers[QDeadline] != "今日中" {
		t.Fatalf("unexpected: %s %v", s.State, s.Answers)
	}
	if !strings.Contains(reply.Message, "希望納期: 今日中") {
		t.Fatalf("summary not refreshed: %s", reply.Message)
	}

	s, _ = Confirm(s, "うーん", t0)
	if s.State != StateConfirming {
		t.Fatalf("unclear reply must re-prompt, got %s", s.State)
	}
}

func TestConfirmNegativeReopensQuestion(t *testing.T) {
	s := confirming(t)
	s, reply := Confirm(s, "納期を変更したい", t0)
	if s.State != StateGathering || len(reply.Questions) != 1 || reply.Questions[0].ID != QDeadline {
		t.Fatalf("unexpected: %s %+v", s.State, reply.Questions)
	}
	if _, ok := s.Answers[QDeadline]; ok {
		t.Fatalf("reopened answer should be cleared")
	}
	s, _ = Step(s, "今日中", t0)
	if s.State != StateConfirming || s.Answers[QDeadline] != "今日中" {
		t.Fatalf("unexpected: %s %v", s.State, s.Answers)
	}
}

func TestConfirmRestart(t *testing.T) {
	s := confirming(t)
	s, reply := Confirm(s, "最初からやり直したい", t0)
	if s.State != StateGathering || len(s.Answers) != 0 || len(reply.Questions) != 4 {
		t.Fatalf("unexpected restart: %s %v", s.State, s.Answers)
	}
}

func TestDeadlineHint(t *testing.T) {
	cases := map[string]string{
		"1時間以内":          "PT1H",
		"今日中":            "PT24H",
		"明日まで":           "P1D",
		"今週中":            "P7D",
		"3日以内":           "P3D",
		"within 2 hours": "PT2H",
		"today":          "PT24H",
		"制限なし":           "",
		"そのうち":           "",
	}
	for in, want := range cases {
		got := DeadlineHint(in)
		if want == "" {
			if got != nil {
				t.Fatalf("DeadlineHint(%q) = %s, want nil", in, *got)
			}
			continue
		}
		if got == nil || *got != want {
			t.Fatalf("DeadlineHint(%q) = %v, want %s", in, got, want)
		}
	}
}

func TestServiceHandle(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemoryStore(),
		WithIDGenerator(func() string { return "s1" }),
		WithClock(func() time.Time { return t0 }),
	)

	reply, err := svc.Handle(ctx, "c1", "こんにちは")
	if err != nil || reply.State != "" {
		t.Fatalf("small talk should not open a session: %+v %v", reply, err)
	}
	reply, err = svc.Handle(ctx, "c1", "Acme Corpについて調べてください")
	if err != nil || reply.State != StateGathering || reply.SessionID != "s1" {
		t.Fatalf("start: %+v %v", reply, err)
	}
	reply, err = svc.Handle(ctx, "c1", "1. マークダウンレポート 2. 1時間以内 3. 公式サイトのみ 4. 社外公開可能")
	if err != nil || reply.State != StateConfirming {
		t.Fatalf("answer: %+v %v", reply, err)
	}
	reply, err = svc.Handle(ctx, "c1", "yes")
	if err != nil || reply.State != StateCompleted || reply.Job == nil {
		t.Fatalf("confirm: %+v %v", reply, err)
	}
	sess, err := svc.Session(ctx, "c1")
	if err != nil || sess.Job == nil || sess.Job.TaskID != "task_s1" {
		t.Fatalf("stored session: %+v %v", sess, err)
	}
	if _, err := svc.Session(ctx, "unknown"); err != ErrSessionNotFound {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}
