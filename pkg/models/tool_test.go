package models

import (
	"reflect"
	"testing"
)

func TestToolDefinitionParamNames(t *testing.T) {
	tool := &ToolDefinition{
		Name:        "calendar_create",
		Kind:        ToolKindHTTP,
		BodyParams:  []string{"title", "start", SessionParam},
		QueryParams: []string{"notify", "title"},
	}

	got := tool.ParamNames()
	want := []string{"title", "start", "notify"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ParamNames() = %v, want %v", got, want)
	}
}

func TestToolDefinitionExpectsSessionParam(t *testing.T) {
	with := &ToolDefinition{QueryParams: []string{SessionParam}}
	if !with.ExpectsSessionParam() {
		t.Error("expected session param to be declared")
	}

	without := &ToolDefinition{BodyParams: []string{"query"}}
	if without.ExpectsSessionParam() {
		t.Error("did not expect session param to be declared")
	}
}

func TestPlanStepHasTool(t *testing.T) {
	for _, sentinel := range []string{"", "None", "null", "undefined"} {
		step := PlanStep{Action: "respond", Tool: sentinel}
		if step.HasTool() {
			t.Errorf("sentinel %q should be toolless", sentinel)
		}
	}

	step := PlanStep{Action: "search", Tool: "web_search"}
	if !step.HasTool() {
		t.Error("web_search should count as a tool")
	}
}

func TestSessionName(t *testing.T) {
	s := &Session{ID: "sess-1", Status: SessionActive}
	if s.Name() != "" {
		t.Errorf("fresh session has name %q", s.Name())
	}

	s.SetName("Password Reset Help")
	if s.Name() != "Password Reset Help" {
		t.Errorf("Name() = %q", s.Name())
	}

	clone := s.Clone()
	clone.SetName("Changed")
	if s.Name() != "Password Reset Help" {
		t.Error("clone mutation leaked into original")
	}
}
