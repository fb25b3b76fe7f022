package engine

import (
	"testing"

	"psma/internal/domain"
)

func TestValidateAnswerAccepts(t *testing.T) {
	q := questionFor(KeyMinContractDays, "netflix")
	problems, err := ValidateAnswer(q, 30)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(problems) != 0 {
		t.Fatalf("unexpected problems %v", problems)
	}
}

func TestValidateAnswerRejectsWrongType(t *testing.T) {
	q := questionFor(KeyMinContractDays, "netflix")
	problems, err := ValidateAnswer(q, "thirty")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(problems) == 0 {
		t.Fatal("string answer to an integer question passed validation")
	}
}

func TestValidateAnswerRejectsBelowMinimum(t *testing.T) {
	q := questionFor(KeyMinContractDays, "netflix")
	problems, err := ValidateAnswer(q, 0)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(problems) == 0 {
		t.Fatal("zero answer passed a minimum:1 schema")
	}
}

func TestValidateAnswerFractionalWatchDays(t *testing.T) {
	q := questionFor(KeyEstimatedWatchDays, "netflix")
	problems, err := ValidateAnswer(q, 9.5)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(problems) != 0 {
		t.Fatalf("unexpected problems %v", problems)
	}
}

func TestValidateAnswerNoSchemaAcceptsAnything(t *testing.T) {
	q := domain.PlanQuestion{ID: "netflix:free_text", Key: "free_text"}
	problems, err := ValidateAnswer(q, map[string]any{"anything": true})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if problems != nil {
		t.Fatalf("unexpected problems %v", problems)
	}
}

func TestValidateAnswerBadSchema(t *testing.T) {
	q := domain.PlanQuestion{
		ID:           "netflix:broken",
		Key:          "broken",
		AnswerSchema: map[string]any{"type": 12345},
	}
	if _, err := ValidateAnswer(q, 1); err == nil {
		t.Fatal("uncompilable schema should surface an error")
	}
}
