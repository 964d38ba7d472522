// Package domain defines the core types for the rule enforcement engine.
package domain

import (
	"fmt"
	"time"
)

// Ledger and anti-cheat constants shared across packages.
const (
	DefaultDebtMultiplier      = 1.5
	MaxDebtMultiplier          = 3.0
	MinDebtMultiplier          = 1.0
	SilentPunishmentThreshold  = 0.6
	SilentPunishmentMultiplier = 1.3
	CheatThreshold             = 0.7
	MaxBoringModeLevel         = 3
)

// TriggerKind identifies what makes a rule fire.
type TriggerKind string

const (
	TriggerTime        TriggerKind = "TIME"
	TriggerDaily       TriggerKind = "DAILY"
	TriggerWakeUp      TriggerKind = "WAKE_UP"
	TriggerBeforeSleep TriggerKind = "BEFORE_SLEEP"
	TriggerAppOpen     TriggerKind = "APP_OPEN"
	TriggerCustom      TriggerKind = "CUSTOM"
)

// Valid reports whether k is one of the known trigger kinds.
func (k TriggerKind) Valid() bool {
	switch k {
	case TriggerTime, TriggerDaily, TriggerWakeUp, TriggerBeforeSleep, TriggerAppOpen, TriggerCustom:
		return true
	}
	return false
}

// ConsequenceKind identifies what happens when a rule is missed.
type ConsequenceKind string

const (
	ConsequenceTimeDebt   ConsequenceKind = "TIME_DEBT"
	ConsequenceAppLock    ConsequenceKind = "APP_LOCK"
	ConsequenceBoringMode ConsequenceKind = "BORING_MODE"
	ConsequenceEscalation ConsequenceKind = "ESCALATION"
	ConsequenceNone       ConsequenceKind = "NONE"
)

// Valid reports whether k is one of the known consequence kinds.
func (k ConsequenceKind) Valid() bool {
	switch k {
	case ConsequenceTimeDebt, ConsequenceAppLock, ConsequenceBoringMode, ConsequenceEscalation, ConsequenceNone:
		return true
	}
	return false
}

// TimeOfDay is a wall-clock time without a date.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay parses "HH:MM".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("parse time of day %q: %w", s, err)
	}
	return TimeOfDay{Hour: t.Hour(), Minute: t.Minute()}, nil
}

// String formats the time as "HH:MM".
func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// MinuteOfDay returns minutes since midnight.
func (t TimeOfDay) MinuteOfDay() int {
	return t.Hour*60 + t.Minute
}

// On returns the instant this time of day occurs on the calendar day of ref, in ref's location.
func (t TimeOfDay) On(ref time.Time) time.Time {
	y, m, d := ref.Date()
	return time.Date(y, m, d, t.Hour, t.Minute, 0, 0, ref.Location())
}

// MarshalText implements encoding.TextMarshaler.
func (t TimeOfDay) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *TimeOfDay) UnmarshalText(b []byte) error {
	parsed, err := ParseTimeOfDay(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Trigger describes when a rule fires.
type Trigger struct {
	Kind TriggerKind    `json:"kind"`
	Time *TimeOfDay     `json:"time,omitempty"`
	Days []time.Weekday `json:"days,omitempty"` // empty means every day
}

// AppliesOn reports whether the trigger's weekday set includes day.
func (t Trigger) AppliesOn(day time.Weekday) bool {
	if len(t.Days) == 0 {
		return true
	}
	for _, d := range t.Days {
		if d == day {
			return true
		}
	}
	return false
}

// Consequence describes what happens when a rule is missed.
type Consequence struct {
	Kind           ConsequenceKind `json:"kind"`
	DebtMultiplier float64         `json:"debt_multiplier"`
	LockedApps     []string        `json:"locked_apps,omitempty"`
}

// Rule is a user-defined "IF trigger THEN action, ELSE consequence".
type Rule struct {
	ID                       string      `json:"id"`
	Name                     string      `json:"name"`
	Description              string      `json:"description"`
	Trigger                  Trigger     `json:"trigger"`
	ActionDescription        string      `json:"action_description"`
	EstimatedDurationMinutes int         `json:"estimated_duration_minutes"`
	Consequence              Consequence `json:"consequence"`
	TotalCompletions         int         `json:"total_completions"`
	TotalMisses              int         `json:"total_misses"`
	CurrentStreak            int         `json:"current_streak"`
	LongestStreak            int         `json:"longest_streak"`
	Active                   bool        `json:"active"`
	Priority                 int         `json:"priority"`
	CreatedAt                int64       `json:"created_at"`
}

// MissRate returns misses/(completions+misses), or 0 for a rule with no history.
func (r Rule) MissRate() float64 {
	total := r.TotalCompletions + r.TotalMisses
	if total == 0 {
		return 0
	}
	return float64(r.TotalMisses) / float64(total)
}

// Validate checks the definition fields of a rule. Counters are not inspected.
func (r Rule) Validate() error {
	var problems []string
	if r.Name == "" {
		problems = append(problems, "name is required")
	}
	if !r.Trigger.Kind.Valid() {
		problems = append(problems, fmt.Sprintf("unknown trigger kind %q", r.Trigger.Kind))
	}
	if r.Trigger.Kind == TriggerTime && r.Trigger.Time == nil {
		problems = append(problems, "TIME trigger requires a time of day")
	}
	if r.EstimatedDurationMinutes <= 0 {
		problems = append(problems, "estimated duration must be positive")
	}
	if !r.Consequence.Kind.Valid() {
		problems = append(problems, fmt.Sprintf("unknown consequence kind %q", r.Consequence.Kind))
	}
	if r.Consequence.DebtMultiplier < MinDebtMultiplier {
		problems = append(problems, "debt multiplier must be at least 1.0")
	}
	if len(problems) > 0 {
		return &EnforcerError{
			Code:    ErrRuleInvalid.Code,
			Message: fmt.Sprintf("%s: %v", ErrRuleInvalid.Message, problems),
		}
	}
	return nil
}

// ExecutionStatus is the lifecycle state of one rule firing.
type ExecutionStatus string

const (
	ExecPending   ExecutionStatus = "PENDING"
	ExecCompleted ExecutionStatus = "COMPLETED"
	ExecMissed    ExecutionStatus = "MISSED"
	ExecSkipped   ExecutionStatus = "SKIPPED"
	ExecCheated   ExecutionStatus = "CHEATED"
)

// Terminal reports whether no further transition is possible from s.
func (s ExecutionStatus) Terminal() bool {
	return s != ExecPending
}

// Execution is one firing instance of a Rule.
type Execution struct {
	ID              string          `json:"id"`
	RuleID          string          `json:"rule_id"`
	CreatedAt       int64           `json:"created_at"`
	Status          ExecutionStatus `json:"status"`
	CompletedAt     int64           `json:"completed_at,omitempty"` // 0 while unresolved
	DurationMinutes int             `json:"duration_minutes"`
	HourOfDay       int             `json:"hour_of_day"`
	DayOfWeek       int             `json:"day_of_week"` // ISO: 1=Monday .. 7=Sunday
	SuspicionScore  float64         `json:"suspicion_score"`
	CompletionSpeed float64         `json:"completion_speed"`
	DebtAdded       int             `json:"debt_added"`
	Reminded        bool            `json:"reminded"`
	Note            string          `json:"note,omitempty"`
}

// ISOWeekday converts time.Weekday to 1=Monday .. 7=Sunday.
func ISOWeekday(d time.Weekday) int {
	if d == time.Sunday {
		return 7
	}
	return int(d)
}

// TimeDebt is the singleton ledger head.
type TimeDebt struct {
	ActiveDebtMinutes  int     `json:"active_debt_minutes"`
	TotalDebtMinutes   int     `json:"total_debt_minutes"`
	ClearedDebtMinutes int     `json:"cleared_debt_minutes"`
	PeakDebtMinutes    int     `json:"peak_debt_minutes"`
	CurrentMultiplier  float64 `json:"current_multiplier"`
	MaxMultiplier      float64 `json:"max_multiplier"`
	LastClearedAt      int64   `json:"last_cleared_at,omitempty"`
	UpdatedAt          int64   `json:"updated_at"`
	StateVersion       int64   `json:"state_version"`
}

// DebtTxKind classifies ledger entries.
type DebtTxKind string

const (
	DebtAccrued    DebtTxKind = "ACCRUED"
	DebtCleared    DebtTxKind = "CLEARED"
	DebtCompounded DebtTxKind = "COMPOUNDED"
	DebtForgiven   DebtTxKind = "FORGIVEN"
)

// DebtTransaction is an append-only ledger entry.
type DebtTransaction struct {
	ID            int64      `json:"id"`
	CreatedAt     int64      `json:"created_at"`
	Kind          DebtTxKind `json:"kind"`
	AmountMinutes int        `json:"amount_minutes"`
	Multiplier    float64    `json:"multiplier"`
	Reason        string     `json:"reason"`
	RuleID        string     `json:"rule_id,omitempty"`
	ExecutionID   string     `json:"execution_id,omitempty"`
	BalanceBefore int        `json:"balance_before"`
	BalanceAfter  int        `json:"balance_after"`
}

// SystemState is the singleton global state row.
type SystemState struct {
	BoringModeActive           bool     `json:"boring_mode_active"`
	BoringModeLevel            int      `json:"boring_mode_level"`
	BoringModeReason           string   `json:"boring_mode_reason,omitempty"`
	LockedApps                 []string `json:"locked_apps"`
	UnlockedApps               []string `json:"unlocked_apps"`
	MusicUnlocked              bool     `json:"music_unlocked"`
	VideoUnlocked              bool     `json:"video_unlocked"`
	ColorUnlocked              bool     `json:"color_unlocked"`
	SkipTokensAvailable        int      `json:"skip_tokens_available"`
	GlobalSuspicion            float64  `json:"global_suspicion"`
	SilentPunishmentActive     bool     `json:"silent_punishment_active"`
	SilentPunishmentMultiplier float64  `json:"silent_punishment_multiplier"`
	CurrentPerfectDays         int      `json:"current_perfect_days"`
	LongestPerfectStreak       int      `json:"longest_perfect_streak"`
	TotalDaysActive            int      `json:"total_days_active"`
	UninstallAttempts          int      `json:"uninstall_attempts"`
	UpdatedAt                  int64    `json:"updated_at"`
	StateVersion               int64    `json:"state_version"`
}

// PenaltyMultiplier returns the silent punishment factor, or 1 when inactive.
func (s SystemState) PenaltyMultiplier() float64 {
	if !s.SilentPunishmentActive || s.SilentPunishmentMultiplier <= 0 {
		return 1.0
	}
	return s.SilentPunishmentMultiplier
}

// RewardType identifies an entry in the reward catalog.
type RewardType string

const (
	RewardMusic     RewardType = "MUSIC_UNLOCK"
	RewardVideo     RewardType = "VIDEO_UNLOCK"
	RewardColor     RewardType = "COLOR_RESTORE"
	RewardSkipToken RewardType = "SKIP_TOKEN"
)

// Reward is a catalog entry with unlock preconditions.
type Reward struct {
	Type                 RewardType `json:"type"`
	Name                 string     `json:"name"`
	Description          string     `json:"description"`
	RequiresPerfectDays  int        `json:"requires_perfect_days"`
	RequiresDebtFree     bool       `json:"requires_debt_free"`
	RequiresStreakLength int        `json:"requires_streak_length"`
	Unlocked             bool       `json:"unlocked"`
	UnlockedAt           int64      `json:"unlocked_at,omitempty"`
	TimesUsed            int        `json:"times_used"`
	LastUsedAt           int64      `json:"last_used_at,omitempty"`
}

// SkipToken is one earned bypass.
type SkipToken struct {
	ID                int64  `json:"id"`
	EarnedAt          int64  `json:"earned_at"`
	EarnedByStreak    int    `json:"earned_by_streak"`
	Used              bool   `json:"used"`
	UsedAt            int64  `json:"used_at,omitempty"`
	UsedOnRuleID      string `json:"used_on_rule_id,omitempty"`
	UsedOnExecutionID string `json:"used_on_execution_id,omitempty"`
}

// PatternKind classifies detected behavior patterns.
type PatternKind string

const (
	PatternNightFailure   PatternKind = "NIGHT_FAILURE"
	PatternWeekendFailure PatternKind = "WEEKEND_FAILURE"
	PatternRapidMarking   PatternKind = "RAPID_MARKING"
)

// BehaviorPattern is a detected recurring failure signature.
type BehaviorPattern struct {
	ID              int64       `json:"id"`
	Kind            PatternKind `json:"kind"`
	Description     string      `json:"description"`
	FailureHours    []int       `json:"failure_hours,omitempty"`
	FailureDays     []int       `json:"failure_days,omitempty"`
	OccurrenceCount int         `json:"occurrence_count"`
	Confidence      float64     `json:"confidence"`
	DetectedAt      int64       `json:"detected_at"`
	LastOccurrence  int64       `json:"last_occurrence"`
}

// BucketCount is one row of a failure aggregation (hour-of-day or weekday).
type BucketCount struct {
	Bucket int
	Count  int
}

// DaySettlement records the outcome of settling one calendar day.
type DaySettlement struct {
	Day             string `json:"day"` // YYYY-MM-DD
	Perfect         bool   `json:"perfect"`
	ExecutionCount  int    `json:"execution_count"`
	PerfectStreak   int    `json:"perfect_streak"`
	SkipTokenMinted bool   `json:"skip_token_minted"`
	SnapshotJSON    string `json:"snapshot_json"`
	Checksum        string `json:"checksum"`
	SettledAt       int64  `json:"settled_at"`
}

// EventKind names a notification signal.
type EventKind string

const (
	EventDeadlineImminent EventKind = "deadline_imminent"
	EventDeadlineMissed   EventKind = "deadline_missed"
	EventSkipTokenEarned  EventKind = "skip_token_earned"
)

// Event is a persisted notification signal.
type Event struct {
	Seq         int64     `json:"seq"`
	Kind        EventKind `json:"kind"`
	PayloadJSON string    `json:"payload_json"`
	CreatedAt   int64     `json:"created_at"`
}

// AuditRecord logs enforcement-relevant user and system actions.
type AuditRecord struct {
	ID        string `json:"id"`
	Category  string `json:"category"`
	Actor     string `json:"actor"`
	Action    string `json:"action"`
	Subject   string `json:"subject"`
	Detail    string `json:"detail"`
	Severity  string `json:"severity"`
	CreatedAt int64  `json:"created_at"`
}
