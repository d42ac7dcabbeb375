package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/capitalize-ai/business-assistant/internal/model"
)

type addNoteArgs struct {
	ProjectID string `json:"projectId,omitempty" jsonschema:"description=Defaults to the project the user has open"`
	Text      string `json:"text" jsonschema:"minLength=1,maxLength=4000"`
}

func addProjectNote() ActionHandler {
	return typed("addProjectNote",
		"Adds a free-text note to a project.",
		func(ctx context.Context, hc *HandlerContext, args addNoteArgs) (*model.HandlerResult, error) {
			projectID, refusal := projectFor(hc, args.ProjectID)
			if refusal != nil {
				return refusal, nil
			}
			project, err := hc.Records.GetProject(ctx, projectID)
			if err != nil {
				return missing("project", projectID, err)
			}
			n := model.Note{
				ID:        uuid.Must(uuid.NewV7()).String(),
				ProjectID: project.ID,
				AuthorID:  hc.UserID,
				Text:      args.Text,
				CreatedAt: time.Now().UTC(),
			}
			if err := hc.Records.InsertNote(ctx, &n); err != nil {
				return nil, err
			}
			return done(fmt.Sprintf("Added a note to project %q.", project.Title), project.ID), nil
		})
}
