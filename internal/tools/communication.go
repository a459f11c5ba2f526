package tools

import (
	"context"

	"github.com/haasonsaas/taskpilot/pkg/models"
)

// CommunicationGroup builds the always-enabled communication tools:
// tell_to_user, ask_to_user, and the terminal final_response.
func CommunicationGroup() *Group {
	return &Group{
		ID: GroupCommunication,
		Defs: []Definition{
			{
				Name:        "tell_to_user",
				Description: "Send a progress message to the user without pausing. Use for status updates while working through TODOs.",
				Parameters: ObjectSchema(map[string]any{
					"message": StringProp("The message to show the user."),
				}, "message"),
				GroupID: GroupCommunication,
			},
			{
				Name:        "ask_to_user",
				Description: "Ask the user a question and wait for the answer. Use only when you cannot proceed without input.",
				Parameters: ObjectSchema(map[string]any{
					"question": StringProp("The question to ask."),
				}, "question"),
				GroupID: GroupCommunication,
			},
			{
				Name:        "final_response",
				Description: "Finish the task and deliver the final answer to the user. Call exactly once, when all work is done.",
				Parameters: ObjectSchema(map[string]any{
					"message": StringProp("The complete final answer."),
				}, "message"),
				GroupID: GroupCommunication,
			},
		},
		Handlers: map[string]Handler{
			"tell_to_user":   tellToUser,
			"ask_to_user":    askToUser,
			"final_response": finalResponse,
		},
	}
}

func tellToUser(_ context.Context, args map[string]any, tctx *Context) *Result {
	message := stringArg(args, "message")
	if message == "" {
		return Fail("message is required")
	}
	tctx.EmitEvent(models.ChannelTellUser, message)
	return Ok("Message delivered to user.")
}

func askToUser(ctx context.Context, args map[string]any, tctx *Context) *Result {
	question := stringArg(args, "question")
	if question == "" {
		return Fail("question is required")
	}
	if tctx.AskUser == nil {
		return Fail("no user prompt channel available")
	}
	answer, err := tctx.AskUser(ctx, question)
	if err != nil {
		return Fail("ask user failed: " + err.Error())
	}
	return Ok("User answered: " + answer)
}

func finalResponse(_ context.Context, args map[string]any, _ *Context) *Result {
	message := stringArg(args, "message")
	if message == "" {
		return Fail("message is required")
	}
	return &Result{
		Success:  true,
		Result:   message,
		Metadata: map[string]any{MetadataFinalResponse: true},
	}
}
