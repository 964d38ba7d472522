package ipc

import (
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/consisteso/enforcer/internal/domain"
)

var validate = validator.New()

// TriggerRequest is the trigger part of a rule body.
type TriggerRequest struct {
	Kind string `json:"kind" validate:"required,oneof=TIME DAILY WAKE_UP BEFORE_SLEEP APP_OPEN CUSTOM"`
	Time string `json:"time" validate:"omitempty,datetime=15:04"`
	// Days uses 0=Sunday .. 6=Saturday; empty means every day.
	Days []int `json:"days" validate:"omitempty,dive,min=0,max=6"`
}

// ConsequenceRequest is the consequence part of a rule body.
type ConsequenceRequest struct {
	Kind           string   `json:"kind" validate:"required,oneof=TIME_DEBT APP_LOCK BORING_MODE ESCALATION NONE"`
	DebtMultiplier float64  `json:"debt_multiplier" validate:"omitempty,min=1,max=3"`
	LockedApps     []string `json:"locked_apps" validate:"omitempty,dive,required"`
}

// RuleRequest is the body for POST /api/v1/rules and PUT /api/v1/rules/{ruleID}.
type RuleRequest struct {
	Name                     string             `json:"name" validate:"required,max=200"`
	Description              string             `json:"description" validate:"max=2000"`
	Trigger                  TriggerRequest     `json:"trigger"`
	ActionDescription        string             `json:"action_description" validate:"max=2000"`
	EstimatedDurationMinutes int                `json:"estimated_duration_minutes" validate:"required,min=1,max=1440"`
	Consequence              ConsequenceRequest `json:"consequence"`
	Active                   *bool              `json:"active"`
	Priority                 int                `json:"priority"`
}

// toRule converts a validated request into a rule definition.
func (r RuleRequest) toRule(id string) (domain.Rule, error) {
	rule := domain.Rule{
		ID:                       id,
		Name:                     r.Name,
		Description:              r.Description,
		Trigger:                  domain.Trigger{Kind: domain.TriggerKind(r.Trigger.Kind)},
		ActionDescription:        r.ActionDescription,
		EstimatedDurationMinutes: r.EstimatedDurationMinutes,
		Consequence: domain.Consequence{
			Kind:           domain.ConsequenceKind(r.Consequence.Kind),
			DebtMultiplier: r.Consequence.DebtMultiplier,
			LockedApps:     r.Consequence.LockedApps,
		},
		Active:   r.Active == nil || *r.Active,
		Priority: r.Priority,
	}
	if r.Trigger.Time != "" {
		tod, err := domain.ParseTimeOfDay(r.Trigger.Time)
		if err != nil {
			return rule, err
		}
		rule.Trigger.Time = &tod
	}
	for _, d := range r.Trigger.Days {
		rule.Trigger.Days = append(rule.Trigger.Days, time.Weekday(d))
	}
	return rule, nil
}

// CompleteRequest is the body for POST /api/v1/executions/{executionID}/complete.
type CompleteRequest struct {
	DurationMinutes *int `json:"duration_minutes" validate:"required,min=0,max=1440"`
}

// ActiveRequest is the body for POST /api/v1/rules/{ruleID}/active.
type ActiveRequest struct {
	Active *bool `json:"active" validate:"required"`
}

// ClearDebtRequest is the body for POST /api/v1/debt/clear.
type ClearDebtRequest struct {
	Minutes int    `json:"minutes" validate:"required,min=1"`
	Reason  string `json:"reason" validate:"max=500"`
	Forgive bool   `json:"forgive"`
}

// MultiplierRequest is the body for POST /api/v1/debt/multiplier.
type MultiplierRequest struct {
	Multiplier float64 `json:"multiplier" validate:"required,gt=0"`
}

// SettleRequest is the optional body for POST /api/v1/settle.
type SettleRequest struct {
	Day string `json:"day" validate:"omitempty,datetime=2006-01-02"`
}
