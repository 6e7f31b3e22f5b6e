package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/ichi0g0y/goose-taps/internal/env"
	"github.com/urfave/cli"
)

func getMetadata(c *cli.Context) (*metadata, error) {
	m, ok := c.App.Metadata["app"].(*metadata)
	if !ok {
		return nil, errors.New("application not initialised")
	}
	return m, nil
}

func requireString(c *cli.Context, name string) (string, error) {
	value := c.String(name)
	if value == "" {
		return "", fmt.Errorf("missing --%s", name)
	}
	return value, nil
}

func runCreate(c *cli.Context) error {
	m, err := getMetadata(c)
	if err != nil {
		return err
	}

	delay := c.Duration("in")
	if delay <= 0 {
		delay = env.Value.CooldownLead
	}
	// 開始時刻は未来でなければならない
	if delay <= 0 {
		delay = time.Second
	}

	round, err := m.app.Rounds.CreateRound(context.Background(), time.Now().Add(delay))
	if err != nil {
		return err
	}
	return printJson(m.w, round)
}

func runList(c *cli.Context) error {
	m, err := getMetadata(c)
	if err != nil {
		return err
	}

	rounds, err := m.app.Rounds.ListRounds(context.Background())
	if err != nil {
		return err
	}
	return printJson(m.w, rounds)
}

func runShow(c *cli.Context) error {
	m, err := getMetadata(c)
	if err != nil {
		return err
	}
	roundID, err := requireString(c, "round")
	if err != nil {
		return err
	}

	details, err := m.app.Rounds.RoundDetails(context.Background(), roundID, c.String("user"))
	if err != nil {
		return err
	}
	return printJson(m.w, details)
}

func runDelete(c *cli.Context) error {
	m, err := getMetadata(c)
	if err != nil {
		return err
	}
	ctx := context.Background()

	if c.Bool("all") {
		if err := m.app.Rounds.DeleteAllRounds(ctx); err != nil {
			return err
		}
		fmt.Fprintln(m.w, "all rounds deleted")
		return nil
	}

	roundID, err := requireString(c, "round")
	if err != nil {
		return err
	}
	if err := m.app.Rounds.DeleteRound(ctx, roundID); err != nil {
		return err
	}
	fmt.Fprintf(m.w, "round %s deleted\n", roundID)
	return nil
}

func runTap(c *cli.Context) error {
	m, err := getMetadata(c)
	if err != nil {
		return err
	}
	roundID, err := requireString(c, "round")
	if err != nil {
		return err
	}
	userID, err := requireString(c, "user")
	if err != nil {
		return err
	}
	count := c.Int("count")
	if count <= 0 {
		return fmt.Errorf("invalid count: %d", count)
	}

	ctx := context.Background()
	for i := 0; i < count; i++ {
		if err := m.app.Rounds.SubmitTap(ctx, roundID, userID); err != nil {
			return fmt.Errorf("tap %d rejected: %w", i+1, err)
		}
	}

	if m.verbose {
		fmt.Fprintf(m.e, "buffered: %d\n", m.app.Taps.Pending())
	}
	fmt.Fprintf(m.w, "%d taps submitted for %s\n", count, userID)
	return nil
}

func runTop(c *cli.Context) error {
	m, err := getMetadata(c)
	if err != nil {
		return err
	}
	roundID, err := requireString(c, "round")
	if err != nil {
		return err
	}

	top, err := m.app.Rounds.Top(context.Background(), roundID, c.Int64("limit"))
	if err != nil {
		return err
	}
	return printJson(m.w, top)
}

func printJson(handle io.Writer, message interface{}) error {
	b, err := json.MarshalIndent(message, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintf(handle, "%s\n", b)
	return nil
}
