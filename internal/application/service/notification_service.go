package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/garyjia/requisition-portal/internal/application/dispatcher"
	"github.com/garyjia/requisition-portal/internal/application/port"
	"github.com/garyjia/requisition-portal/internal/domain/event"
)

// NotificationService turns workflow events into notifications and hands
// them to every configured sink
type NotificationService interface {
	Handle(ctx context.Context, evt *event.Event) error
	Register(d dispatcher.Dispatcher)
}

type notificationServiceImpl struct {
	sinks  []port.NotificationSink
	logger Logger
}

// notifiedEvents are the event types that produce a notification
var notifiedEvents = []event.Type{
	event.TypeRequisitionSubmitted,
	event.TypeRequisitionAdvanced,
	event.TypeRequisitionApproved,
	event.TypeRequisitionRejected,
	event.TypeRequisitionReturned,
	event.TypeRequisitionAdminApproved,
	event.TypeRoutingGap,
}

// NewNotificationService creates a new NotificationService
func NewNotificationService(logger Logger, sinks ...port.NotificationSink) NotificationService {
	return &notificationServiceImpl{
		sinks:  sinks,
		logger: logger,
	}
}

// Register subscribes the service to the workflow events it notifies on
func (s *notificationServiceImpl) Register(d dispatcher.Dispatcher) {
	d.SubscribeMany(notifiedEvents, "notification-service", s.Handle)
}

// Handle builds the notification for evt and delivers it to all sinks.
// A failing sink does not stop delivery to the others.
func (s *notificationServiceImpl) Handle(ctx context.Context, evt *event.Event) error {
	n, ok := buildNotification(evt)
	if !ok {
		return nil
	}

	var errs []error
	for _, sink := range s.sinks {
		if err := sink.Notify(ctx, n); err != nil {
			s.logger.Error("Notification sink failed",
				"sink", sink.Name(),
				"requisition_id", n.RequisitionID,
				"event", n.Event,
				"error", err,
			)
			errs = append(errs, fmt.Errorf("%s: %w", sink.Name(), err))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	s.logger.Info("Notification delivered",
		"requisition_id", n.RequisitionID,
		"event", n.Event,
		"target", n.Target,
		"sinks", len(s.sinks),
	)
	return nil
}

func buildNotification(evt *event.Event) (port.Notification, bool) {
	n := port.Notification{
		RequisitionID: evt.RequisitionID,
		Number:        evt.Number,
		Event:         evt.Type.String(),
		ActorID:       evt.ActorID,
		Target:        evt.GetPayloadString("target_id"),
	}

	label := evt.Number
	if label == "" {
		label = fmt.Sprintf("#%d", evt.RequisitionID)
	}

	switch evt.Type {
	case event.TypeRequisitionSubmitted:
		n.Message = fmt.Sprintf("Requisition %s was submitted and awaits your approval at level %d", label, evt.GetPayloadInt("to_level"))
	case event.TypeRequisitionAdvanced:
		n.Message = fmt.Sprintf("Requisition %s was approved at level %d and awaits your approval at level %d",
			label, evt.GetPayloadInt("level"), evt.GetPayloadInt("to_level"))
	case event.TypeRequisitionApproved:
		n.Message = fmt.Sprintf("Requisition %s has been fully approved", label)
	case event.TypeRequisitionAdminApproved:
		n.Message = fmt.Sprintf("Requisition %s was approved by an administrator", label)
	case event.TypeRequisitionRejected:
		n.Message = fmt.Sprintf("Requisition %s was rejected at level %d", label, evt.GetPayloadInt("level"))
	case event.TypeRequisitionReturned:
		n.Message = fmt.Sprintf("Requisition %s was returned for changes at level %d", label, evt.GetPayloadInt("level"))
	case event.TypeRoutingGap:
		n.Target = ""
		if level := evt.GetPayloadInt("level"); level > 0 {
			n.Message = fmt.Sprintf("Requisition %s is blocked: no approver configured for %s level %d",
				label, evt.GetPayloadString("department"), level)
		} else {
			n.Message = fmt.Sprintf("Requisition %s is blocked: no routing policy for department %s",
				label, evt.GetPayloadString("department"))
		}
	default:
		return n, false
	}

	if comment := evt.GetPayloadString("comment"); comment != "" {
		n.Message += ": " + comment
	}
	return n, true
}
