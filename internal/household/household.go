package household

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	syncerr "github.com/alexjbarnes/household-sync/internal/errors"
	"github.com/alexjbarnes/household-sync/internal/models"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Household bundles the typed collections for one member's session.
// Writes are attributed to the member.
type Household struct {
	Dishes     *Collection[Dish]
	Plans      *Collection[Plan]
	Proposals  *Collection[Proposal]
	Votes      *Collection[VoteSet]
	Dismissals *Collection[DismissalSet]

	member string

	// addMu makes AddDish's name check and insert one step.
	addMu sync.Mutex
}

// New creates a household view over store acting as member.
func New(store Store, member string) *Household {
	return &Household{
		Dishes:     newCollection(store, models.EntityDish, func(d *Dish) *string { return &d.ID }, (*Dish).validate),
		Plans:      newCollection(store, models.EntityPlan, func(p *Plan) *string { return &p.ID }, (*Plan).validate),
		Proposals:  newCollection[Proposal](store, models.EntityProposal, func(p *Proposal) *string { return &p.ID }, nil),
		Votes:      newCollection[VoteSet](store, models.EntityVotes, func(v *VoteSet) *string { return &v.ID }, nil),
		Dismissals: newCollection[DismissalSet](store, models.EntityDismissal, func(d *DismissalSet) *string { return &d.ID }, nil),
		member:     member,
	}
}

// Member returns the acting member ID.
func (h *Household) Member() string {
	return h.member
}

// AddDish stores a new dish. Names must be unique after normalization.
func (h *Household) AddDish(d Dish) (Dish, error) {
	if err := d.validate(); err != nil {
		return d, err
	}

	h.addMu.Lock()
	defer h.addMu.Unlock()

	existing, err := h.FindDishByName(d.Name)
	if err != nil {
		return d, err
	}

	if existing != nil {
		return d, fmt.Errorf("%w: dish %q", syncerr.ErrDuplicate, existing.Name)
	}

	d.Name = strings.TrimSpace(d.Name)
	if d.CreatedBy == "" {
		d.CreatedBy = h.member
	}

	return h.Dishes.Add(d, h.member)
}

// FindDishByName returns the dish whose name matches name ignoring case,
// surrounding whitespace, and Unicode normalization form, or nil.
func (h *Household) FindDishByName(name string) (*Dish, error) {
	want := NormalizeName(name)
	if want == "" {
		return nil, nil
	}

	dishes, err := h.Dishes.List()
	if err != nil {
		return nil, err
	}

	for i := range dishes {
		if NormalizeName(dishes[i].Name) == want {
			return &dishes[i], nil
		}
	}

	return nil, nil
}

// NormalizeName folds a dish name for comparison.
func NormalizeName(name string) string {
	name = strings.Join(strings.Fields(name), " ")
	return cases.Fold().String(norm.NFC.String(name))
}

// AssignDish puts a dish into a plan slot, creating the plan if needed,
// and records the acting member on the slot.
func (h *Household) AssignDish(planID, date, meal, dishID string) (Plan, error) {
	dish, err := h.Dishes.Get(dishID)
	if err != nil {
		return Plan{}, err
	}

	if dish == nil {
		return Plan{}, fmt.Errorf("dish %s: %w", dishID, syncerr.ErrNotFound)
	}

	return h.Plans.modify(planID, h.member, func(plan *Plan) (*Plan, error) {
		if plan == nil {
			plan = &Plan{ID: planID}
		}

		if err := plan.Assign(date, meal, dishID, h.member); err != nil {
			return nil, err
		}

		return plan, nil
	})
}

// Vote records the member's vote on a proposal.
func (h *Household) Vote(proposalID, vote string) (VoteSet, error) {
	if vote != VoteUp && vote != VoteDown {
		return VoteSet{}, fmt.Errorf("%w: vote must be %q or %q", syncerr.ErrInvalidRecord, VoteUp, VoteDown)
	}

	p, err := h.Proposals.Get(proposalID)
	if err != nil {
		return VoteSet{}, err
	}

	if p == nil {
		return VoteSet{}, fmt.Errorf("proposal %s: %w", proposalID, syncerr.ErrNotFound)
	}

	return h.Votes.modify(proposalID, h.member, func(set *VoteSet) (*VoteSet, error) {
		if set == nil {
			set = &VoteSet{ID: proposalID}
		}

		if set.Votes == nil {
			set.Votes = make(map[string]string)
		}

		set.Votes[h.member] = vote

		return set, nil
	})
}

// Dismiss hides a proposal for the acting member.
func (h *Household) Dismiss(proposalID string) (DismissalSet, error) {
	cur, err := h.Dismissals.Get(h.member)
	if err != nil {
		return DismissalSet{}, err
	}

	if cur != nil && slices.Contains(cur.Proposals, proposalID) {
		return *cur, nil
	}

	return h.Dismissals.modify(h.member, h.member, func(set *DismissalSet) (*DismissalSet, error) {
		if set == nil {
			set = &DismissalSet{ID: h.member}
		}

		if !slices.Contains(set.Proposals, proposalID) {
			set.Proposals = append(set.Proposals, proposalID)
		}

		return set, nil
	})
}
