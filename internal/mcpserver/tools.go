// Package mcpserver registers MCP tools that expose household records and
// sync state. It adapts the household and engine packages to the MCP
// SDK's tool handler interface.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alexjbarnes/household-sync/internal/engine"
	"github.com/alexjbarnes/household-sync/internal/household"
	"github.com/alexjbarnes/household-sync/internal/models"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Sync is the part of the engine the sync tools use.
type Sync interface {
	Status() (engine.Status, error)
	SyncNow()
	Conflicts() ([]models.ConflictRecord, error)
	ResolveConflict(entityID string, choice models.Choice) (bool, error)
}

// RegisterTools adds the household tools to the given MCP server. The sync
// tools are only added when s is non-nil, i.e. in synced mode.
func RegisterTools(server *mcp.Server, h *household.Household, s Sync) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "dish_list",
		Description: "List every dish the household knows, in the order they were added.",
	}, dishListHandler(h))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "dish_add",
		Description: "Add a dish. Names are unique ignoring case and accents.",
	}, dishAddHandler(h))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "dish_remove",
		Description: "Remove a dish by ID.",
	}, dishRemoveHandler(h))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "plan_show",
		Description: "Show a meal plan with its assigned dishes.",
	}, planShowHandler(h))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "plan_assign",
		Description: "Assign a dish to a plan slot (date and meal). The dish can be given by ID or by name. Creates the plan if it does not exist.",
	}, planAssignHandler(h))

	if s == nil {
		return
	}

	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_status",
		Description: "Report sync state, connectivity, pending writes, open conflicts, and the last successful sync.",
	}, syncStatusHandler(s))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_now",
		Description: "Request a sync cycle. Returns immediately; the cycle runs in the background.",
	}, syncNowHandler(s))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "conflicts_list",
		Description: "List open conflicts, oldest first, with a line diff from the household's version to this device's version.",
	}, conflictsListHandler(s))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "conflict_resolve",
		Description: "Resolve a conflict by keeping this device's version (local) or the household's version (server).",
	}, conflictResolveHandler(s))
}

// --- Input types ---
// The MCP SDK infers JSON schema from these struct types via jsonschema tags.

// EmptyInput has no parameters.
type EmptyInput struct{}

// DishAddInput holds parameters for dish_add.
type DishAddInput struct {
	Name  string   `json:"name" jsonschema:"required,dish name"`
	Notes string   `json:"notes,omitempty" jsonschema:"free-form notes"`
	Tags  []string `json:"tags,omitempty" jsonschema:"tags such as vegetarian or quick"`
}

// DishRemoveInput holds parameters for dish_remove.
type DishRemoveInput struct {
	ID string `json:"id" jsonschema:"required,dish ID"`
}

// PlanShowInput holds parameters for plan_show.
type PlanShowInput struct {
	PlanID string `json:"plan_id" jsonschema:"required,plan ID"`
}

// PlanAssignInput holds parameters for plan_assign.
type PlanAssignInput struct {
	PlanID   string `json:"plan_id" jsonschema:"required,plan ID"`
	Date     string `json:"date" jsonschema:"required,day in YYYY-MM-DD form"`
	Meal     string `json:"meal" jsonschema:"required,breakfast, lunch or dinner"`
	DishID   string `json:"dish_id,omitempty" jsonschema:"dish ID"`
	DishName string `json:"dish_name,omitempty" jsonschema:"dish name, used when dish_id is empty"`
}

// ResolveInput holds parameters for conflict_resolve.
type ResolveInput struct {
	EntityID string `json:"entity_id" jsonschema:"required,ID of the conflicting entity"`
	Choice   string `json:"choice" jsonschema:"required,local or server"`
}

// --- Output types ---

// DishListResult is returned by dish_list.
type DishListResult struct {
	Total  int        `json:"total"`
	Dishes []DishView `json:"dishes"`
}

// DishView is one dish as tools report it.
type DishView struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Notes     string   `json:"notes,omitempty"`
	Tags      []string `json:"tags"`
	CreatedBy string   `json:"created_by,omitempty"`
}

// DishRemoveResult is returned by dish_remove.
type DishRemoveResult struct {
	ID      string `json:"id"`
	Removed bool   `json:"removed"`
}

// PlanResult is returned by plan_show and plan_assign.
type PlanResult struct {
	ID    string     `json:"id"`
	Name  string     `json:"name,omitempty"`
	Slots []SlotView `json:"slots"`
}

// SlotView is one plan slot with the dish name filled in.
type SlotView struct {
	Date       string `json:"date"`
	Meal       string `json:"meal"`
	DishID     string `json:"dish_id"`
	DishName   string `json:"dish_name,omitempty"`
	AssignedBy string `json:"assigned_by,omitempty"`
}

// StatusResult is returned by sync_status.
type StatusResult struct {
	State               string `json:"state"`
	Online              bool   `json:"online"`
	PendingCount        int    `json:"pending_count"`
	ConflictCount       int    `json:"conflict_count"`
	LastSyncTime        string `json:"last_sync_time,omitempty"`
	LastError           string `json:"last_error,omitempty"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
}

// SyncNowResult is returned by sync_now.
type SyncNowResult struct {
	Requested bool `json:"requested"`
}

// ConflictListResult is returned by conflicts_list.
type ConflictListResult struct {
	Total     int            `json:"total"`
	Conflicts []ConflictView `json:"conflicts"`
}

// ConflictView summarizes one conflict.
type ConflictView struct {
	EntityID         string `json:"entity_id"`
	EntityType       string `json:"entity_type"`
	LocalRevision    int64  `json:"local_revision"`
	ServerRevision   int64  `json:"server_revision"`
	LocalDeleted     bool   `json:"local_deleted,omitempty"`
	ServerDeleted    bool   `json:"server_deleted,omitempty"`
	ServerModifiedBy string `json:"server_modified_by,omitempty"`
	DetectedAt       string `json:"detected_at"`
	Diff             string `json:"diff"`
}

// ResolveResult is returned by conflict_resolve.
type ResolveResult struct {
	EntityID string `json:"entity_id"`
	Choice   string `json:"choice"`
	Resolved bool   `json:"resolved"`
}

// --- Handlers ---

func dishView(d household.Dish) DishView {
	tags := d.Tags
	if tags == nil {
		tags = []string{}
	}

	return DishView{ID: d.ID, Name: d.Name, Notes: d.Notes, Tags: tags, CreatedBy: d.CreatedBy}
}

func dishListHandler(h *household.Household) mcp.ToolHandlerFor[EmptyInput, *DishListResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ EmptyInput) (*mcp.CallToolResult, *DishListResult, error) {
		dishes, err := h.Dishes.List()
		if err != nil {
			return nil, nil, err
		}

		result := &DishListResult{Total: len(dishes), Dishes: make([]DishView, 0, len(dishes))}
		for _, d := range dishes {
			result.Dishes = append(result.Dishes, dishView(d))
		}

		return textResult(result), result, nil
	}
}

func dishAddHandler(h *household.Household) mcp.ToolHandlerFor[DishAddInput, *DishView] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input DishAddInput) (*mcp.CallToolResult, *DishView, error) {
		d, err := h.AddDish(household.Dish{Name: input.Name, Notes: input.Notes, Tags: input.Tags})
		if err != nil {
			return nil, nil, err
		}

		result := dishView(d)

		return textResult(result), &result, nil
	}
}

func dishRemoveHandler(h *household.Household) mcp.ToolHandlerFor[DishRemoveInput, *DishRemoveResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input DishRemoveInput) (*mcp.CallToolResult, *DishRemoveResult, error) {
		if err := h.Dishes.Delete(input.ID, h.Member()); err != nil {
			return nil, nil, err
		}

		result := &DishRemoveResult{ID: input.ID, Removed: true}

		return textResult(result), result, nil
	}
}

func planResult(h *household.Household, p household.Plan) (*PlanResult, error) {
	result := &PlanResult{ID: p.ID, Name: p.Name, Slots: make([]SlotView, 0, len(p.Slots))}

	for _, s := range p.Slots {
		view := SlotView{Date: s.Date, Meal: s.Meal, DishID: s.DishID, AssignedBy: s.AssignedBy}

		d, err := h.Dishes.Get(s.DishID)
		if err != nil {
			return nil, err
		}

		if d != nil {
			view.DishName = d.Name
		}

		result.Slots = append(result.Slots, view)
	}

	return result, nil
}

func planShowHandler(h *household.Household) mcp.ToolHandlerFor[PlanShowInput, *PlanResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input PlanShowInput) (*mcp.CallToolResult, *PlanResult, error) {
		p, err := h.Plans.Get(input.PlanID)
		if err != nil {
			return nil, nil, err
		}

		if p == nil {
			return nil, nil, fmt.Errorf("plan not found: %s", input.PlanID)
		}

		result, err := planResult(h, *p)
		if err != nil {
			return nil, nil, err
		}

		return textResult(result), result, nil
	}
}

func planAssignHandler(h *household.Household) mcp.ToolHandlerFor[PlanAssignInput, *PlanResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input PlanAssignInput) (*mcp.CallToolResult, *PlanResult, error) {
		dishID := input.DishID
		if dishID == "" {
			if input.DishName == "" {
				return nil, nil, fmt.Errorf("one of dish_id or dish_name is required")
			}

			d, err := h.FindDishByName(input.DishName)
			if err != nil {
				return nil, nil, err
			}

			if d == nil {
				return nil, nil, fmt.Errorf("dish not found: %s", input.DishName)
			}

			dishID = d.ID
		}

		p, err := h.AssignDish(input.PlanID, input.Date, input.Meal, dishID)
		if err != nil {
			return nil, nil, err
		}

		result, err := planResult(h, p)
		if err != nil {
			return nil, nil, err
		}

		return textResult(result), result, nil
	}
}

func syncStatusHandler(s Sync) mcp.ToolHandlerFor[EmptyInput, *StatusResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ EmptyInput) (*mcp.CallToolResult, *StatusResult, error) {
		st, err := s.Status()
		if err != nil {
			return nil, nil, err
		}

		result := &StatusResult{
			State:               string(st.State),
			Online:              st.Online,
			PendingCount:        st.PendingCount,
			ConflictCount:       st.ConflictCount,
			LastError:           st.LastError,
			ConsecutiveFailures: st.ConsecutiveFailures,
		}
		if st.LastSyncTime != nil {
			result.LastSyncTime = st.LastSyncTime.UTC().Format(time.RFC3339)
		}

		return textResult(result), result, nil
	}
}

func syncNowHandler(s Sync) mcp.ToolHandlerFor[EmptyInput, *SyncNowResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ EmptyInput) (*mcp.CallToolResult, *SyncNowResult, error) {
		s.SyncNow()

		result := &SyncNowResult{Requested: true}

		return textResult(result), result, nil
	}
}

func conflictsListHandler(s Sync) mcp.ToolHandlerFor[EmptyInput, *ConflictListResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ EmptyInput) (*mcp.CallToolResult, *ConflictListResult, error) {
		recs, err := s.Conflicts()
		if err != nil {
			return nil, nil, err
		}

		result := &ConflictListResult{Total: len(recs), Conflicts: make([]ConflictView, 0, len(recs))}
		for _, rec := range recs {
			result.Conflicts = append(result.Conflicts, ConflictView{
				EntityID:         rec.EntityID,
				EntityType:       string(rec.EntityType),
				LocalRevision:    rec.Local.Revision,
				ServerRevision:   rec.Server.Revision,
				LocalDeleted:     rec.Local.Deleted,
				ServerDeleted:    rec.Server.Deleted,
				ServerModifiedBy: rec.Server.ModifiedBy,
				DetectedAt:       rec.DetectedAt.UTC().Format(time.RFC3339),
				Diff:             rec.Diff(),
			})
		}

		return textResult(result), result, nil
	}
}

func conflictResolveHandler(s Sync) mcp.ToolHandlerFor[ResolveInput, *ResolveResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input ResolveInput) (*mcp.CallToolResult, *ResolveResult, error) {
		ok, err := s.ResolveConflict(input.EntityID, models.Choice(input.Choice))
		if err != nil {
			return nil, nil, err
		}

		result := &ResolveResult{EntityID: input.EntityID, Choice: input.Choice, Resolved: ok}

		return textResult(result), result, nil
	}
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v interface{}) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
