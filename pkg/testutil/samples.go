package testutil

import (
	"time"

	"github.com/studyhub/automation/pkg/models"
)

// Onboarding is the "New User Onboarding" workflow:
// validate -> send_email -> create_profile -> assign_role.
func Onboarding(profileEndpoint string) *models.Workflow {
	return &models.Workflow{
		ID:       "wf-onboarding",
		Name:     "New User Onboarding",
		Category: models.CategoryOperations,
		Status:   models.WorkflowStatusActive,
		Version:  1,
		Steps: []*models.WorkflowStep{
			CreateTestStep("validate", models.StepTypeCondition, map[string]any{
				"field":    "user.email",
				"operator": "regex",
				"pattern":  `^[^@\s]+@[^@\s]+\.[a-z]{2,}$`,
			}, WithOrder(1), WithOnError(models.OnErrorStop), WithNext("send_email")),
			CreateTestStep("send_email", models.StepTypeEmail, map[string]any{
				"to":       "{{ user.email }}",
				"subject":  "Welcome to the library",
				"template": "Hi {{ user.name }}, your account is ready.",
			}, WithOrder(2), WithOnError(models.OnErrorContinue), WithNext("create_profile")),
			CreateTestStep("create_profile", models.StepTypeAPICall, map[string]any{
				"endpoint": profileEndpoint,
				"method":   "POST",
				"body":     map[string]any{"email": "{{ user.email }}", "name": "{{ user.name }}"},
			}, WithOrder(3), WithRetry(3, 10*time.Millisecond), WithNext("assign_role")),
			LogStep("assign_role", WithOrder(4), WithOnError(models.OnErrorContinue)),
		},
		Triggers: []*models.WorkflowTrigger{
			{
				ID:      "user_created",
				Type:    models.TriggerTypeEvent,
				Enabled: true,
				Configuration: map[string]any{
					"topic": "user.created",
				},
			},
			{ID: "manual", Type: models.TriggerTypeManual, Enabled: true},
		},
	}
}

// OnboardingPayload is a trigger payload for Onboarding.
func OnboardingPayload(email string) map[string]any {
	return map[string]any{
		"user": map[string]any{"id": "u-1", "name": "Ada", "email": email},
	}
}

// Payment is the "Payment Processing" workflow. Step 6 (process_payment) retries
// three times and fans out to send_receipt and update_ledger.
func Payment(gatewayEndpoint string) *models.Workflow {
	return &models.Workflow{
		ID:       "wf-payment",
		Name:     "Payment Processing",
		Category: models.CategoryBilling,
		Status:   models.WorkflowStatusActive,
		Version:  1,
		Steps: []*models.WorkflowStep{
			CreateTestStep("validate_invoice", models.StepTypeCondition, map[string]any{
				"field":    "invoice.amount",
				"operator": "gt",
				"value":    0,
			}, WithOrder(1), WithNext("load_member")),
			LogStep("load_member", WithOrder(2), WithNext("check_plan")),
			CreateTestStep("check_plan", models.StepTypeCondition, map[string]any{
				"field":    "invoice.plan",
				"operator": "in",
				"values":   []any{"monthly", "yearly", "day_pass"},
			}, WithOrder(3), WithNext("apply_discount")),
			CreateTestStep("apply_discount", models.StepTypeAction, map[string]any{
				"action": "transform",
				"params": map[string]any{"input": "invoice", "expression": "{{ .amount }}"},
			}, WithOrder(4), WithOnError(models.OnErrorContinue), WithNext("reserve_funds")),
			LogStep("reserve_funds", WithOrder(5), WithNext("process_payment")),
			CreateTestStep("process_payment", models.StepTypeAPICall, map[string]any{
				"endpoint": gatewayEndpoint,
				"method":   "POST",
				"body":     map[string]any{"invoice": "{{ invoice.id }}", "amount": "{{ invoice.amount }}"},
			}, WithOrder(6), WithRetry(3, 5*time.Millisecond), WithNext("send_receipt", "update_ledger")),
			CreateTestStep("send_receipt", models.StepTypeEmail, map[string]any{
				"to":       "{{ invoice.email }}",
				"subject":  "Payment received",
				"template": "We received {{ invoice.amount }} for invoice {{ invoice.id }}.",
			}, WithOrder(7), WithOnError(models.OnErrorContinue)),
			LogStep("update_ledger", WithOrder(8)),
		},
		Triggers: []*models.WorkflowTrigger{
			{
				ID:      "invoice_webhook",
				Type:    models.TriggerTypeWebhook,
				Enabled: true,
				Configuration: map[string]any{
					"schema": map[string]any{
						"type":     "object",
						"required": []any{"invoice"},
						"properties": map[string]any{
							"invoice": map[string]any{
								"type":     "object",
								"required": []any{"id", "amount"},
							},
						},
					},
				},
			},
		},
	}
}

// PaymentPayload is a trigger payload for Payment.
func PaymentPayload() map[string]any {
	return map[string]any{
		"invoice": map[string]any{
			"id":     "inv-42",
			"amount": 120.0,
			"plan":   "monthly",
			"email":  "member@example.com",
		},
	}
}
