// Package notify posts marketplace announcements to a Discord channel.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"

	"github.com/jensholdgaard/nft-auction-house/internal/config"
	"github.com/jensholdgaard/nft-auction-house/internal/event"
)

// Announcer is an event.Observer that announces sale activity in Discord.
type Announcer struct {
	session   *discordgo.Session
	channelID string
	logger    *slog.Logger
}

// New creates a new Announcer.
func New(cfg config.DiscordConfig, logger *slog.Logger) (*Announcer, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("creating discord session: %w", err)
	}
	return &Announcer{
		session:   session,
		channelID: cfg.ChannelID,
		logger:    logger,
	}, nil
}

// Start opens the Discord connection.
func (a *Announcer) Start(ctx context.Context) error {
	a.session.AddHandler(func(s *discordgo.Session, r *discordgo.Ready) {
		a.logger.InfoContext(ctx, "announcer is ready", slog.String("user", s.State.User.Username))
	})
	if err := a.session.Open(); err != nil {
		return fmt.Errorf("opening discord session: %w", err)
	}
	return nil
}

// Stop gracefully closes the Discord connection.
func (a *Announcer) Stop() error {
	return a.session.Close()
}

// Notify implements event.Observer. Failures are logged, never propagated;
// an announcement must not affect the operation that produced the event.
func (a *Announcer) Notify(ctx context.Context, e event.Event) {
	msg := a.format(e)
	if msg == "" {
		return
	}
	if _, err := a.session.ChannelMessageSend(a.channelID, msg); err != nil {
		a.logger.ErrorContext(ctx, "failed to send announcement",
			slog.String("event_type", string(e.Type)),
			slog.Any("error", err),
		)
	}
}

func (a *Announcer) format(e event.Event) string {
	switch e.Type {
	case event.SaleCreated:
		var d event.SaleCreatedData
		if err := json.Unmarshal(e.Data, &d); err != nil {
			return ""
		}
		return fmt.Sprintf("**%s** listed `%s` for auction (min bid: %d), ends <t:%d:R>",
			d.Seller, d.TokenID, d.MinPrice, d.EndTime.Unix())
	case event.SaleBidPlaced:
		var d event.BidPlacedData
		if err := json.Unmarshal(e.Data, &d); err != nil {
			return ""
		}
		return fmt.Sprintf("Bid of **%d** placed on `%s` by **%s**", d.Amount, e.AggregateID, d.Bidder)
	case event.SaleEnded:
		return fmt.Sprintf("Auction `%s` has ended", e.AggregateID)
	case event.SaleNftClaimed:
		var d event.NftClaimedData
		if err := json.Unmarshal(e.Data, &d); err != nil {
			return ""
		}
		if d.WinningBid == 0 {
			return fmt.Sprintf("Auction `%s` closed with no bids, token returned to the seller", e.AggregateID)
		}
		return fmt.Sprintf("**%s** won `%s` for **%d**", d.ClaimedBy, e.AggregateID, d.WinningBid)
	default:
		// Refund bookkeeping is not worth announcing.
		return ""
	}
}
