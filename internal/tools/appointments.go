package tools

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/capitalize-ai/business-assistant/internal/model"
)

const defaultAppointmentMinutes = 60

type createAppointmentArgs struct {
	ProjectID       string `json:"projectId,omitempty"`
	Title           string `json:"title" jsonschema:"minLength=1"`
	StartsAt        string `json:"startsAt" jsonschema:"minLength=1,description=Start time YYYY-MM-DDTHH:MM or RFC 3339"`
	DurationMinutes int    `json:"durationMinutes,omitempty" jsonschema:"minimum=1,maximum=1440"`
}

func createAppointment() ActionHandler {
	return typed("createAppointment",
		"Schedules an appointment, optionally linked to a project.",
		func(ctx context.Context, hc *HandlerContext, args createAppointmentArgs) (*model.HandlerResult, error) {
			startsAt, err := parseTime(args.StartsAt)
			if err != nil {
				return refuse("%v", err), nil
			}
			if args.ProjectID != "" {
				if _, err := hc.Records.GetProject(ctx, args.ProjectID); err != nil {
					return missing("project", args.ProjectID, err)
				}
			}
			minutes := args.DurationMinutes
			if minutes == 0 {
				minutes = defaultAppointmentMinutes
			}

			a := model.Appointment{
				ID:              uuid.Must(uuid.NewV7()).String(),
				ProjectID:       args.ProjectID,
				Title:           args.Title,
				StartsAt:        startsAt,
				DurationMinutes: minutes,
			}
			if err := hc.Records.InsertAppointment(ctx, &a); err != nil {
				return nil, err
			}
			return done(fmt.Sprintf("Scheduled %q on %s for %d minutes.",
				a.Title, a.StartsAt.Format("2006-01-02 15:04"), a.DurationMinutes), a.ID), nil
		})
}

type rescheduleArgs struct {
	AppointmentID   string `json:"appointmentId" jsonschema:"minLength=1"`
	StartsAt        string `json:"startsAt" jsonschema:"minLength=1"`
	DurationMinutes int    `json:"durationMinutes,omitempty" jsonschema:"minimum=1,maximum=1440"`
}

func rescheduleAppointment() ActionHandler {
	return typed("rescheduleAppointment",
		"Moves an existing appointment to a new start time.",
		func(ctx context.Context, hc *HandlerContext, args rescheduleArgs) (*model.HandlerResult, error) {
			startsAt, err := parseTime(args.StartsAt)
			if err != nil {
				return refuse("%v", err), nil
			}
			a, err := hc.Records.GetAppointment(ctx, args.AppointmentID)
			if err != nil {
				return missing("appointment", args.AppointmentID, err)
			}
			minutes := a.DurationMinutes
			if args.DurationMinutes > 0 {
				minutes = args.DurationMinutes
			}

			if err := hc.Records.UpdateAppointmentTime(ctx, a.ID, startsAt, minutes); err != nil {
				return missing("appointment", args.AppointmentID, err)
			}
			return done(fmt.Sprintf("Moved %q from %s to %s.",
				a.Title, a.StartsAt.Format("2006-01-02 15:04"), startsAt.Format("2006-01-02 15:04")), a.ID), nil
		})
}
