// Package mqhandler consumes milestone lifecycle events and relays them into
// stored user notifications. Poison messages go to the DLQ instead of cycling
// through the queue forever.
package mqhandler

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	contractsmq "escrowengine/contracts/mq"
	"escrowengine/internal/model"
	"escrowengine/internal/repository"
	"escrowengine/pkg/mq"
	"escrowengine/pkg/util"
)

type MilestoneEventHandler struct {
	contracts     *repository.ContractRepository
	notifications *repository.NotificationRepository
	publisher     *mq.Publisher
	logger        *zap.Logger
}

func NewMilestoneEventHandler(
	contracts *repository.ContractRepository,
	notifications *repository.NotificationRepository,
	publisher *mq.Publisher,
	logger *zap.Logger,
) *MilestoneEventHandler {
	return &MilestoneEventHandler{
		contracts:     contracts,
		notifications: notifications,
		publisher:     publisher,
		logger:        logger,
	}
}

func (h *MilestoneEventHandler) HandleFunded(ctx context.Context, raw json.RawMessage) error {
	var p contractsmq.MilestoneFundedPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return h.deadLetter(contractsmq.RoutingKeyMilestoneFunded, raw, err)
	}

	msg := fmt.Sprintf("Milestone funded: %d cents are now held in escrow, work can begin.", p.AmountCents)
	return h.notify(ctx, contractsmq.RoutingKeyMilestoneFunded, raw, p.ContractID, p.MilestoneID, msg, recipientProfessional)
}

func (h *MilestoneEventHandler) HandleSubmitted(ctx context.Context, raw json.RawMessage) error {
	var p contractsmq.MilestoneSubmittedPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return h.deadLetter(contractsmq.RoutingKeyMilestoneSubmitted, raw, err)
	}

	msg := "Work was submitted for review. Approve or request changes before the approval deadline."
	return h.notify(ctx, contractsmq.RoutingKeyMilestoneSubmitted, raw, p.ContractID, p.MilestoneID, msg, recipientClient)
}

func (h *MilestoneEventHandler) HandleApproved(ctx context.Context, raw json.RawMessage) error {
	var p contractsmq.MilestoneApprovedPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return h.deadLetter(contractsmq.RoutingKeyMilestoneApproved, raw, err)
	}

	msg := "Your submitted work was approved."
	if p.AutoApproved {
		msg = "Your submitted work was approved automatically after the review window lapsed."
	}
	return h.notify(ctx, contractsmq.RoutingKeyMilestoneApproved, raw, p.ContractID, p.MilestoneID, msg, recipientProfessional)
}

func (h *MilestoneEventHandler) HandleRejected(ctx context.Context, raw json.RawMessage) error {
	var p contractsmq.MilestoneRejectedPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return h.deadLetter(contractsmq.RoutingKeyMilestoneRejected, raw, err)
	}

	msg := fmt.Sprintf("Your submitted work was rejected: %s. The milestone is back in progress.", p.Reason)
	return h.notify(ctx, contractsmq.RoutingKeyMilestoneRejected, raw, p.ContractID, p.MilestoneID, msg, recipientProfessional)
}

func (h *MilestoneEventHandler) HandleReleased(ctx context.Context, raw json.RawMessage) error {
	var p contractsmq.MilestoneReleasedPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return h.deadLetter(contractsmq.RoutingKeyMilestoneReleased, raw, err)
	}

	msg := fmt.Sprintf("Payment of %d cents was released to you (transfer %s).", p.AmountCents, p.TransferID)
	return h.notify(ctx, contractsmq.RoutingKeyMilestoneReleased, raw, p.ContractID, p.MilestoneID, msg, recipientProfessional)
}

type recipientSide int

const (
	recipientClient recipientSide = iota
	recipientProfessional
)

func (h *MilestoneEventHandler) notify(ctx context.Context, event string, raw json.RawMessage, contractID, milestoneID int64, msg string, side recipientSide) error {
	contract, err := h.contracts.GetByID(ctx, contractID)
	if err != nil {
		if retryable, _ := util.IsRetryableError(err); retryable {
			return err
		}
		return h.deadLetter(event, raw, err)
	}

	recipient := contract.ClientID
	if side == recipientProfessional {
		recipient = contract.ProfessionalID
	}

	id, err := h.notifications.Insert(ctx, &model.UserNotification{
		RecipientID: recipient,
		ContractID:  contractID,
		MilestoneID: milestoneID,
		Event:       event,
		Message:     msg,
	})
	if err != nil {
		if retryable, _ := util.IsRetryableError(err); retryable {
			return err
		}
		return h.deadLetter(event, raw, err)
	}

	h.logger.Info("Notification recorded",
		zap.Int64("notification_id", id),
		zap.Int64("recipient_id", recipient),
		zap.String("event", event),
	)
	return nil
}

// deadLetter parks a message that will never succeed and acks it away from the
// main queue. Returning nil is what triggers the ack.
func (h *MilestoneEventHandler) deadLetter(event string, raw json.RawMessage, cause error) error {
	h.logger.Error("Dead-lettering message",
		zap.String("event", event),
		zap.Error(cause),
	)
	if err := h.publisher.PublishToDLQ(event, raw, cause.Error()); err != nil {
		h.logger.Error("Failed to publish to DLQ, requeueing",
			zap.String("event", event),
			zap.Error(err),
		)
		return err
	}
	return nil
}
