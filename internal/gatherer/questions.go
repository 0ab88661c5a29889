package gatherer

import "strings"

type QuestionType string

const (
	QuestionText         QuestionType = "text"
	QuestionSingleSelect QuestionType = "single_select"
)

// Question ids of the default set.
const (
	QDeliverable = "deliverable"
	QDeadline    = "deadline"
	QSources     = "sources"
	QPrivacy     = "privacy"
)

// Option is a selectable answer with the phrases that select it.
type Option struct {
	Label    string   `json:"label"`
	Keywords []string `json:"keywords,omitempty"`
}

// Question is one requirement asked of the user.
type Question struct {
	ID       string       `json:"id"`
	Label    string       `json:"label"`
	Type     QuestionType `json:"type"`
	Options  []Option     `json:"options,omitempty"`
	Hint     string       `json:"hint,omitempty"`
	Default  string       `json:"default,omitempty"`
	Optional bool         `json:"optional,omitempty"`
	// FreeText accepts an answer that matches no option.
	FreeText bool `json:"free_text,omitempty"`
	// Aliases name the question when the user asks to change it.
	Aliases []string `json:"aliases,omitempty"`
}

// DefaultQuestions returns the four questions asked for every request.
func DefaultQuestions() []Question {
	return []Question{
		{
			ID:    QDeliverable,
			Label: "成果物の形式",
			Type:  QuestionSingleSelect,
			Options: []Option{
				{Label: "マークダウンレポート", Keywords: []string{"マークダウン", "レポート", "markdown", "report", "md"}},
				{Label: "CSV表", Keywords: []string{"csv", "表", "table", "spreadsheet", "スプレッドシート"}},
				{Label: "JSON", Keywords: []string{"json"}},
			},
			Aliases: []string{"成果物", "形式", "deliverable", "format"},
		},
		{
			ID:    QDeadline,
			Label: "希望納期",
			Type:  QuestionSingleSelect,
			Options: []Option{
				{Label: "1時間以内", Keywords: []string{"1時間", "一時間", "1 hour", "one hour", "an hour"}},
				{Label: "今日中", Keywords: []string{"今日", "本日", "today", "end of day"}},
				{Label: "明日まで", Keywords: []string{"明日", "tomorrow"}},
				{Label: "今週中", Keywords: []string{"今週", "this week"}},
				{Label: "制限なし", Keywords: []string{"制限なし", "期限なし", "no limit", "no deadline", "いつでも"}},
			},
			Hint:     "例: 1時間以内 / 今日中 / 3日以内",
			Default:  "制限なし",
			Optional: true,
			FreeText: true,
			Aliases:  []string{"納期", "期限", "締め切り", "deadline"},
		},
		{
			ID:    QSources,
			Label: "情報源の範囲",
			Type:  QuestionSingleSelect,
			Options: []Option{
				{Label: "公式サイトのみ", Keywords: []string{"公式", "official"}},
				{Label: "ニュースサイト", Keywords: []string{"ニュース", "news"}},
				{Label: "制限なし", Keywords: []string{"制限なし", "指定なし", "any source", "no restriction", "anything"}},
			},
			Hint:     "特定のドメインを指定することもできます",
			FreeText: true,
			Aliases:  []string{"情報源", "ソース", "sources", "source"},
		},
		{
			ID:    QPrivacy,
			Label: "公開範囲",
			Type:  QuestionSingleSelect,
			Options: []Option{
				{Label: "社外公開可能", Keywords: []string{"社外", "公開可能", "public", "external"}},
				{Label: "社内限定", Keywords: []string{"社内", "internal"}},
				{Label: "機密", Keywords: []string{"機密", "極秘", "confidential", "secret"}},
			},
			Aliases: []string{"公開範囲", "privacy"},
		},
	}
}

// match resolves an answer fragment to an option label. ok is false when the
// fragment is unusable for this question.
func (q Question) match(fragment string) (string, bool) {
	fragment = strings.TrimSpace(fragment)
	if fragment == "" {
		return "", false
	}
	lower := strings.ToLower(fragment)
	for _, o := range q.Options {
		if strings.Contains(lower, strings.ToLower(o.Label)) {
			return o.Label, true
		}
	}
	for _, o := range q.Options {
		for _, kw := range o.Keywords {
			if strings.Contains(lower, strings.ToLower(kw)) {
				return o.Label, true
			}
		}
	}
	if q.Type == QuestionText || q.FreeText {
		return fragment, true
	}
	return "", false
}

// mentions reports whether the text names this question or one of its options.
func (q Question) mentions(text string) bool {
	lower := strings.ToLower(text)
	for _, a := range append([]string{q.Label}, q.Aliases...) {
		if strings.Contains(lower, strings.ToLower(a)) {
			return true
		}
	}
	return false
}

func questionByID(qs []Question, id string) (Question, bool) {
	for _, q := range qs {
		if q.ID == id {
			return q, true
		}
	}
	return Question{}, false
}
