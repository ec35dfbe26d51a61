// Package service exposes the escalation rule contract: rule lookup and the
// due-time arithmetic. The scheduler that promotes levels and reassigns
// ownership is an external collaborator consuming this contract.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fieldserve/backoffice/domains/escalation/be/repo"
	"github.com/fieldserve/backoffice/platform/go/actionctx"
	"github.com/fieldserve/backoffice/platform/go/persistence"
)

// ErrRuleNotFound is returned when no rule covers the requested scope.
var ErrRuleNotFound = errors.New("escalation rule not found")

// ValidationError captures a rejected lookup or save input.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

// Rule is the domain view of one escalation step.
type Rule struct {
	Category       string
	Level          int
	FrequencyUnit  string
	FrequencyValue int
	AssigneeCode   string
}

// Service defines the escalation rule operations.
type Service interface {
	Lookup(ctx context.Context, actx actionctx.ActionContext, category string, level int) (Rule, error)
	Save(ctx context.Context, actx actionctx.ActionContext, rule Rule) (Rule, error)
}

type service struct {
	repo repo.Repository
}

// New constructs an escalation Service.
func New(r repo.Repository) Service {
	if r == nil {
		panic("escalation repository is required")
	}
	return &service{repo: r}
}

func (s *service) Lookup(ctx context.Context, actx actionctx.ActionContext, category string, level int) (Rule, error) {
	if err := actx.Validate(); err != nil {
		return Rule{}, &ValidationError{Reason: err.Error()}
	}
	category = strings.TrimSpace(category)
	if category == "" {
		return Rule{}, &ValidationError{Reason: "category is required"}
	}
	if level < 1 {
		level = 1
	}

	record, err := s.repo.GetRule(ctx, actx.ClientID, actx.SiteID, category, level)
	if err != nil {
		if errors.Is(err, persistence.ErrRuleNotFound) {
			return Rule{}, ErrRuleNotFound
		}
		return Rule{}, err
	}

	return toRule(record), nil
}

func (s *service) Save(ctx context.Context, actx actionctx.ActionContext, rule Rule) (Rule, error) {
	if err := actx.Validate(); err != nil {
		return Rule{}, &ValidationError{Reason: err.Error()}
	}
	if strings.TrimSpace(rule.Category) == "" {
		return Rule{}, &ValidationError{Reason: "category is required"}
	}
	if _, err := frequencyDuration(rule.FrequencyUnit, rule.FrequencyValue); err != nil {
		return Rule{}, &ValidationError{Reason: err.Error()}
	}
	if rule.Level < 1 {
		rule.Level = 1
	}

	saved, err := s.repo.UpsertRule(ctx, persistence.EscalationRule{
		ClientID:       actx.ClientID,
		SiteID:         actx.SiteID,
		Category:       strings.TrimSpace(rule.Category),
		Level:          rule.Level,
		FrequencyUnit:  rule.FrequencyUnit,
		FrequencyValue: rule.FrequencyValue,
		AssigneeCode:   rule.AssigneeCode,
	})
	if err != nil {
		return Rule{}, err
	}

	return toRule(saved), nil
}

// DueAt returns the instant a record governed by the rule becomes overdue.
func DueAt(createdAt time.Time, rule Rule) (time.Time, error) {
	d, err := frequencyDuration(rule.FrequencyUnit, rule.FrequencyValue)
	if err != nil {
		return time.Time{}, err
	}
	return createdAt.Add(d), nil
}

// Due reports whether the rule's window has elapsed for a record created at
// the given instant.
func Due(createdAt time.Time, rule Rule, now time.Time) (bool, error) {
	dueAt, err := DueAt(createdAt, rule)
	if err != nil {
		return false, err
	}
	return dueAt.Before(now), nil
}

func frequencyDuration(unit string, value int) (time.Duration, error) {
	if value < 1 {
		return 0, fmt.Errorf("frequency value must be positive, got %d", value)
	}
	switch unit {
	case "HOUR":
		return time.Duration(value) * time.Hour, nil
	case "DAY":
		return time.Duration(value) * 24 * time.Hour, nil
	case "WEEK":
		return time.Duration(value) * 7 * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("unknown frequency unit %q", unit)
	}
}

func toRule(record persistence.EscalationRule) Rule {
	return Rule{
		Category:       record.Category,
		Level:          record.Level,
		FrequencyUnit:  record.FrequencyUnit,
		FrequencyValue: record.FrequencyValue,
		AssigneeCode:   record.AssigneeCode,
	}
}
