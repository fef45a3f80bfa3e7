// Package notify fans buy plan events out to email and chat. Delivery is best
// effort: each recipient and channel fails independently and nothing is retried.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/odyssey-erp/buyplans/internal/buyplan"
	"github.com/odyssey-erp/buyplans/internal/directory"
	"github.com/odyssey-erp/buyplans/internal/shared"
)

// Delivery channels reported to the DeliveryObserver.
const (
	ChannelEmail = "email"
	ChannelChat  = "chat"
)

// PlanSource loads the plan an event refers to and the buyers who entered its
// offers in the deal ledger.
type PlanSource interface {
	Get(ctx context.Context, id uuid.UUID) (buyplan.BuyPlan, error)
	OfferEntrants(ctx context.Context, offerIDs []int64) (map[int64]int64, error)
}

// Directory resolves recipients.
type Directory interface {
	User(ctx context.Context, userID int64) (directory.User, error)
	UsersWithRole(ctx context.Context, role shared.Role) ([]directory.User, error)
}

// EmailSender delivers a transactional email.
type EmailSender interface {
	Send(ctx context.Context, to, subject, body string) error
}

// ChatPoster posts a chat message addressed to a recipient.
type ChatPoster interface {
	Post(ctx context.Context, recipient, text string) error
}

// DeliveryObserver records delivery attempts.
type DeliveryObserver interface {
	ObserveDelivery(channel, event string, err error)
}

// Report summarises one dispatch.
type Report struct {
	Recipients int
	Sent       int
	Failed     int
}

// Dispatcher resolves recipients for an event and delivers to each of them.
type Dispatcher struct {
	plans    PlanSource
	users    Directory
	email    EmailSender
	chat     ChatPoster
	observer DeliveryObserver
	logger   *slog.Logger
	messages *Renderer
}

// DispatcherConfig collects the dispatcher's collaborators. Email, Chat and
// Observer are optional.
type DispatcherConfig struct {
	Plans         PlanSource
	Users         Directory
	Email         EmailSender
	Chat          ChatPoster
	Observer      DeliveryObserver
	Logger        *slog.Logger
	PublicBaseURL string
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		plans:    cfg.Plans,
		users:    cfg.Users,
		email:    cfg.Email,
		chat:     cfg.Chat,
		observer: cfg.Observer,
		logger:   logger,
		messages: NewRenderer(cfg.PublicBaseURL),
	}
}

// Dispatch delivers req. Only a failure to load the plan is returned; delivery
// failures are logged, counted and reported.
func (d *Dispatcher) Dispatch(ctx context.Context, req buyplan.NotificationRequest) (Report, error) {
	plan, err := d.plans.Get(ctx, req.PlanID)
	if err != nil {
		return Report{}, fmt.Errorf("load buy plan %s: %w", req.PlanID, err)
	}
	logger := d.logger.With(slog.String("plan_id", plan.ID.String()), slog.String("event", string(req.Event)))

	msg, err := d.messages.Render(plan, req.Event)
	if err != nil {
		return Report{}, err
	}
	recipients := d.recipients(ctx, logger, plan, req)
	report := Report{Recipients: len(recipients)}
	if len(recipients) == 0 {
		logger.Warn("notification has no recipients")
		return report, nil
	}

	for _, user := range recipients {
		if d.email != nil {
			err := d.email.Send(ctx, user.Email, msg.Subject, msg.Body)
			d.record(logger, ChannelEmail, req.Event, user, err, &report)
		}
		if d.chat != nil {
			err := d.chat.Post(ctx, user.Email, msg.Chat)
			d.record(logger, ChannelChat, req.Event, user, err, &report)
		}
	}
	return report, nil
}

func (d *Dispatcher) record(logger *slog.Logger, channel string, event buyplan.Event, user directory.User, err error, report *Report) {
	if d.observer != nil {
		d.observer.ObserveDelivery(channel, string(event), err)
	}
	if err != nil {
		report.Failed++
		logger.Warn("notification delivery failed",
			slog.String("channel", channel),
			slog.Int64("user_id", user.ID),
			slog.Any("error", err))
		return
	}
	report.Sent++
}

// recipients resolves and deduplicates users for the event. Users without an
// email address are dropped.
func (d *Dispatcher) recipients(ctx context.Context, logger *slog.Logger, plan buyplan.BuyPlan, req buyplan.NotificationRequest) []directory.User {
	var users []directory.User
	switch req.Event {
	case buyplan.EventSubmitted:
		users = d.withRole(ctx, logger, shared.RoleAdmin)
	case buyplan.EventApproved, buyplan.EventStockSaleApproved:
		users = d.buyers(ctx, logger, plan)
	case buyplan.EventRejected, buyplan.EventCompleted, buyplan.EventPOConfirmed:
		users = d.byID(ctx, logger, plan.SubmittedBy)
	case buyplan.EventCancelled:
		if req.ActorID != nil && *req.ActorID == plan.SubmittedBy {
			users = d.withRole(ctx, logger, shared.RoleAdmin)
		} else {
			users = d.byID(ctx, logger, plan.SubmittedBy)
		}
	default:
		logger.Warn("unknown notification event")
	}

	seen := make(map[int64]struct{}, len(users))
	out := users[:0]
	for _, user := range users {
		if _, dup := seen[user.ID]; dup || user.Email == "" {
			continue
		}
		seen[user.ID] = struct{}{}
		out = append(out, user)
	}
	return out
}

// buyers returns the users who sourced the plan's offers. A line item without
// an entrant falls back to the offer's entrant in the ledger; every buyer is
// notified only when neither resolves anyone.
func (d *Dispatcher) buyers(ctx context.Context, logger *slog.Logger, plan buyplan.BuyPlan) []directory.User {
	ids := make([]int64, 0, len(plan.LineItems))
	var missing []int64
	for _, item := range plan.LineItems {
		if item.EnteredByID != nil {
			ids = append(ids, *item.EnteredByID)
			continue
		}
		missing = append(missing, item.OfferID)
	}
	if len(missing) > 0 {
		entrants, err := d.plans.OfferEntrants(ctx, missing)
		if err != nil {
			logger.Error("resolve offer entrants", slog.Any("error", err))
		}
		for _, offerID := range missing {
			if buyerID, ok := entrants[offerID]; ok {
				ids = append(ids, buyerID)
			}
		}
	}

	var users []directory.User
	for _, id := range ids {
		users = append(users, d.byID(ctx, logger, id)...)
	}
	if len(users) > 0 {
		return users
	}
	return d.withRole(ctx, logger, shared.RoleBuyer)
}

func (d *Dispatcher) byID(ctx context.Context, logger *slog.Logger, id int64) []directory.User {
	user, err := d.users.User(ctx, id)
	if err != nil {
		level := slog.LevelError
		if errors.Is(err, directory.ErrNotFound) {
			level = slog.LevelWarn
		}
		logger.Log(ctx, level, "resolve recipient", slog.Int64("user_id", id), slog.Any("error", err))
		return nil
	}
	return []directory.User{user}
}

func (d *Dispatcher) withRole(ctx context.Context, logger *slog.Logger, role shared.Role) []directory.User {
	users, err := d.users.UsersWithRole(ctx, role)
	if err != nil {
		logger.Error("resolve recipients", slog.String("role", string(role)), slog.Any("error", err))
		return nil
	}
	return users
}
