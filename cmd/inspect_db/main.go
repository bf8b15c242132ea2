// Command inspect_db prints a summary of a relay database: ingestion
// watermark data, recent trade events, referral codes and username bindings.
// Useful when checking what a deployment has actually persisted.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/noma-protocol/frontend-sub002/models"
	"github.com/noma-protocol/frontend-sub002/storage"
)

func main() {
	dbPath := flag.String("db", "noma_relay.db", "path to the sqlite database")
	address := flag.String("address", "", "optional trader address to inspect")
	limit := flag.Int("limit", 10, "number of recent trades to print")
	flag.Parse()

	store, err := storage.New(*dbPath)
	if err != nil {
		log.Fatalf("open %s: %v", *dbPath, err)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	stats, err := store.GetTradeStats(ctx, "")
	if err != nil {
		log.Fatalf("trade stats: %v", err)
	}
	fmt.Printf("Trades: %d total (%d buys, %d sells), %d unique traders\n",
		stats.TotalTrades, stats.BuyCount, stats.SellCount, stats.UniqueTraders)
	fmt.Printf("Volume: %.4f bought, %.4f sold\n", stats.BuyVolume, stats.SellVolume)

	query := models.TradeQuery{Limit: *limit}
	if *address != "" {
		query.Address = *address
	}
	events, err := store.ListTradeEvents(ctx, query)
	if err != nil {
		log.Fatalf("list trades: %v", err)
	}
	fmt.Printf("\n--- Last %d trades ---\n", len(events))
	for _, ev := range events {
		fmt.Printf("block %d  %-4s %12s %s  trader=%s  tx=%s\n",
			ev.BlockNumber, ev.Type, ev.Amount, ev.TokenSymbol, ev.Trader, ev.Hash)
	}

	if *address != "" {
		profile, err := store.GetProfile(ctx, *address)
		if err != nil {
			log.Fatalf("profile: %v", err)
		}
		fmt.Printf("\n--- Profile %s ---\n", profile.Address)
		fmt.Printf("Username: %q, trades: %d, volume: %.4f\n",
			profile.Username, profile.TradeCount, profile.TotalVolume)
		if !profile.FirstSeen.IsZero() {
			fmt.Printf("Active: %s .. %s\n",
				profile.FirstSeen.Format(time.RFC3339), profile.LastSeen.Format(time.RFC3339))
		}
	}

	usernames, err := store.ListUsernames(ctx)
	if err != nil {
		log.Fatalf("usernames: %v", err)
	}
	fmt.Printf("\n--- Usernames (%d) ---\n", len(usernames))
	for _, binding := range usernames {
		fmt.Printf("%-20s %s  changes=%d cooldown=%s\n",
			binding.Username, binding.Address, binding.ChangeCount, binding.Cooldown)
	}

	messages, err := store.ListRecentMessages(ctx, 5)
	if err != nil {
		log.Fatalf("messages: %v", err)
	}
	fmt.Printf("\n--- Last %d chat messages ---\n", len(messages))
	for _, msg := range messages {
		fmt.Printf("[%s] %s: %s\n", msg.Timestamp.Format(time.RFC3339), msg.Username, msg.Content)
	}
}
