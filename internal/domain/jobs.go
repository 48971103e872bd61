package domain

// DigestJobCause описывает источник запроса на дайджест.
type DigestJobCause string

const (
	// DigestCauseManual — пользователь запросил дайджест вручную.
	DigestCauseManual DigestJobCause = "manual"
	// DigestCauseScheduled — дайджест запланирован по расписанию.
	DigestCauseScheduled DigestJobCause = "scheduled"
)

// GenerateRequest содержит параметры одной генерации.
type GenerateRequest struct {
	Scope        Scope
	FeedID       *int64
	GroupID      *int64
	Hours        int
	TargetLang   string
	CustomPrompt string
	AIConfig     AIConfig
	// CustomTitle — шаблон заголовка, раскрывается после ответа LLM.
	CustomTitle string
	// TaskTitle подставляется в {{title}} шаблона заголовка.
	TaskTitle   string
	IncludeRead bool
	Push        *PushSettings
	Cause       DigestJobCause
	TaskID      string
}

// GenerateResult — итог генерации. Stored=false, если статей не нашлось.
type GenerateResult struct {
	Digest Digest
	Stored bool
}
