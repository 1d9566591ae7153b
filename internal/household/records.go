// Package household gives typed access to the synced household records.
// Records are stored as JSON payloads in the local cache; every write goes
// through the cache so it is queued for sync in synced mode.
package household

import (
	"fmt"
	"slices"
	"strings"
	"time"

	syncerr "github.com/alexjbarnes/household-sync/internal/errors"
)

// Dish is one meal the household knows how to make.
type Dish struct {
	ID        string   `json:"id" yaml:"id"`
	Name      string   `json:"name" yaml:"name"`
	Notes     string   `json:"notes,omitempty" yaml:"notes,omitempty"`
	Tags      []string `json:"tags,omitempty" yaml:"tags,omitempty"`
	CreatedBy string   `json:"created_by,omitempty" yaml:"created_by,omitempty"`
}

// Slot is one meal on one day of a plan.
type Slot struct {
	Date       string `json:"date" yaml:"date"`
	Meal       string `json:"meal" yaml:"meal"`
	DishID     string `json:"dish_id" yaml:"dish_id"`
	AssignedBy string `json:"assigned_by,omitempty" yaml:"assigned_by,omitempty"`
}

// Plan is a menu for a run of days.
type Plan struct {
	ID    string `json:"id" yaml:"id"`
	Name  string `json:"name" yaml:"name"`
	Slots []Slot `json:"slots,omitempty" yaml:"slots,omitempty"`
}

// Proposal suggests a dish for a plan slot.
type Proposal struct {
	ID         string `json:"id" yaml:"id"`
	PlanID     string `json:"plan_id" yaml:"plan_id"`
	Date       string `json:"date" yaml:"date"`
	Meal       string `json:"meal" yaml:"meal"`
	DishID     string `json:"dish_id" yaml:"dish_id"`
	ProposedBy string `json:"proposed_by,omitempty" yaml:"proposed_by,omitempty"`
}

// Vote values.
const (
	VoteUp   = "up"
	VoteDown = "down"
)

// VoteSet holds every member's vote on one proposal. Its ID is the
// proposal ID.
type VoteSet struct {
	ID    string            `json:"id" yaml:"id"`
	Votes map[string]string `json:"votes" yaml:"votes"`
}

// DismissalSet lists the proposals one member has dismissed. Its ID is
// the member ID.
type DismissalSet struct {
	ID        string   `json:"id" yaml:"id"`
	Proposals []string `json:"proposals" yaml:"proposals"`
}

// Meal names accepted in plan slots.
var Meals = []string{"breakfast", "lunch", "dinner"}

func (d *Dish) validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("%w: dish name is required", syncerr.ErrInvalidRecord)
	}

	return nil
}

func (p *Plan) validate() error {
	for _, s := range p.Slots {
		if err := s.validate(); err != nil {
			return err
		}
	}

	return nil
}

func (s *Slot) validate() error {
	if !validDate(s.Date) {
		return fmt.Errorf("%w: date %q must be YYYY-MM-DD", syncerr.ErrInvalidRecord, s.Date)
	}

	if !slices.Contains(Meals, s.Meal) {
		return fmt.Errorf("%w: unknown meal %q", syncerr.ErrInvalidRecord, s.Meal)
	}

	return nil
}

// Assign puts dishID in the slot for date and meal, replacing whatever
// was there.
func (p *Plan) Assign(date, meal, dishID, member string) error {
	slot := Slot{Date: date, Meal: meal, DishID: dishID, AssignedBy: member}
	if err := slot.validate(); err != nil {
		return err
	}

	for i := range p.Slots {
		if p.Slots[i].Date == date && p.Slots[i].Meal == meal {
			p.Slots[i] = slot
			return nil
		}
	}

	p.Slots = append(p.Slots, slot)
	slices.SortFunc(p.Slots, func(a, b Slot) int {
		if c := strings.Compare(a.Date, b.Date); c != 0 {
			return c
		}

		return slices.Index(Meals, a.Meal) - slices.Index(Meals, b.Meal)
	})

	return nil
}

// Slot returns the assignment for date and meal, if any.
func (p *Plan) Slot(date, meal string) (Slot, bool) {
	for _, s := range p.Slots {
		if s.Date == date && s.Meal == meal {
			return s, true
		}
	}

	return Slot{}, false
}

func validDate(s string) bool {
	_, err := time.Parse(time.DateOnly, s)
	return err == nil
}
