package app

import (
	"log/slog"
	"net/http"

	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/buyplans/internal/buyplan"
	"github.com/odyssey-erp/buyplans/internal/directory"
	"github.com/odyssey-erp/buyplans/internal/mailbox"
	"github.com/odyssey-erp/buyplans/internal/notify"
)

// VendorSet loads the configured stock-sale vendors.
func (c *Config) VendorSet() (buyplan.VendorSet, error) {
	names, err := c.StockSaleVendorNames()
	if err != nil {
		return buyplan.VendorSet{}, err
	}
	return buyplan.NewVendorSet(names), nil
}

// NewReconciler wires the PO reconciler to the mailbox provider. Delegated
// tokens are cached in redisClient.
func NewReconciler(cfg *Config, repo buyplan.RepositoryPort, redisClient *redis.Client, scheduler buyplan.Scheduler, observer buyplan.VerificationObserver, logger *slog.Logger) *buyplan.Reconciler {
	httpClient := &http.Client{Timeout: cfg.MailboxSearchTimeout}
	tokens := mailbox.NewTokenProvider(cfg.MailboxTokenURL, cfg.MailboxClientSecret, httpClient, redisClient)
	search := mailbox.NewSentMailSearcher(cfg.MailboxAPIURL, httpClient)
	return buyplan.NewReconciler(repo, tokens, search, scheduler, observer, logger, buyplan.ReconcilerConfig{
		Concurrency: cfg.MailboxConcurrency,
		Timeout:     cfg.MailboxSearchTimeout,
		PassTimeout: cfg.MailboxPassTimeout,
		SearchLimit: cfg.MailboxSearchLimit,
	})
}

// NewDispatcher wires notification delivery. Chat is disabled when no webhook
// URL is configured.
func NewDispatcher(cfg *Config, plans notify.PlanSource, users *directory.Service, observer notify.DeliveryObserver, logger *slog.Logger) *notify.Dispatcher {
	var chat notify.ChatPoster
	if cfg.ChatWebhookURL != "" {
		chat = notify.NewWebhookPoster(cfg.ChatWebhookURL, nil)
	}
	return notify.NewDispatcher(notify.DispatcherConfig{
		Plans:         plans,
		Users:         users,
		Email:         notify.NewSMTPSender(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPFrom, cfg.SMTPUsername, cfg.SMTPPassword),
		Chat:          chat,
		Observer:      observer,
		Logger:        logger,
		PublicBaseURL: cfg.PublicBaseURL,
	})
}
