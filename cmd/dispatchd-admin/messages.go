package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/target/dispatchd/internal/domain/model"
)

type createMessageOptions struct {
	Request  model.CreateMessageRequest
	Dispatch bool
}

type idOptions struct {
	ID string
}

type batchOptions struct {
	IDs []string
}

type retryOptions struct {
	ID         string
	DispatchAt *time.Time
}

type listMessagesOptions struct {
	State  string
	Limit  int
	Offset int
}

type showMessageOptions struct {
	ID           string
	HistoryLimit int
}

func runCreateMessage(cmdCtx *commandContext, args []string) error {
	opts, err := parseCreateMessageFlags(args)
	if err != nil {
		return err
	}
	return withSession(cmdCtx, func(s *adminSession) error {
		msg, err := s.services.Messages.Create(s.ctx, &opts.Request)
		if err != nil {
			return fmt.Errorf("create message: %w", err)
		}
		if opts.Dispatch {
			handle, dispatchErr := s.services.Dispatcher.Dispatch(s.ctx, msg.ID)
			if dispatchErr != nil {
				return fmt.Errorf("dispatch message %s: %w", msg.ID, dispatchErr)
			}
			cmdCtx.Logger.Info("message dispatched", "message_id", msg.ID, "job_id", handle.ID, "scheduled_at", handle.ScheduledAt)
		}
		return printJSON(cmdCtx.Out, msg)
	})
}

func runShowMessage(cmdCtx *commandContext, args []string) error {
	opts, err := parseShowMessageFlags(args)
	if err != nil {
		return err
	}
	return withSession(cmdCtx, func(s *adminSession) error {
		msg, err := s.services.Messages.Get(s.ctx, opts.ID)
		if err != nil {
			return err
		}
		attempts, err := s.services.Messages.History(s.ctx, opts.ID, opts.HistoryLimit)
		if err != nil {
			return err
		}
		return printMessageDetail(cmdCtx.Out, msg, attempts)
	})
}

func runListMessages(cmdCtx *commandContext, args []string) error {
	opts, err := parseListMessagesFlags(args)
	if err != nil {
		return err
	}
	listOpts := model.MessageListOptions{Limit: opts.Limit, Offset: opts.Offset}
	if opts.State != "" {
		state := model.MessageState(opts.State)
		listOpts.State = &state
	}
	return withSession(cmdCtx, func(s *adminSession) error {
		msgs, err := s.services.Messages.List(s.ctx, listOpts)
		if err != nil {
			return err
		}
		return printMessageTable(cmdCtx.Out, msgs)
	})
}

func runDispatch(cmdCtx *commandContext, args []string) error {
	opts, err := parseIDFlags("dispatch", args)
	if err != nil {
		return err
	}
	return withSession(cmdCtx, func(s *adminSession) error {
		handle, err := s.services.Dispatcher.Dispatch(s.ctx, opts.ID)
		if err != nil {
			return err
		}
		return printJSON(cmdCtx.Out, handle)
	})
}

func runBatchDispatch(cmdCtx *commandContext, args []string) error {
	opts, err := parseBatchFlags(args)
	if err != nil {
		return err
	}
	return withSession(cmdCtx, func(s *adminSession) error {
		handle, err := s.services.Dispatcher.BatchDispatch(s.ctx, opts.IDs)
		if err != nil {
			return err
		}
		return printJSON(cmdCtx.Out, handle)
	})
}

func runCancel(cmdCtx *commandContext, args []string) error {
	opts, err := parseIDFlags("cancel", args)
	if err != nil {
		return err
	}
	return withSession(cmdCtx, func(s *adminSession) error {
		msg, err := s.services.Messages.Cancel(s.ctx, opts.ID)
		if err != nil {
			return err
		}
		return printJSON(cmdCtx.Out, msg)
	})
}

func runRetry(cmdCtx *commandContext, args []string) error {
	opts, err := parseRetryFlags(args)
	if err != nil {
		return err
	}
	return withSession(cmdCtx, func(s *adminSession) error {
		msg, err := s.services.Messages.Retry(s.ctx, opts.ID, opts.DispatchAt)
		if err != nil {
			return err
		}
		return printJSON(cmdCtx.Out, msg)
	})
}

func parseCreateMessageFlags(args []string) (createMessageOptions, error) {
	fs := flag.NewFlagSet("create-message", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		opts       createMessageOptions
		pathType   string
		dispatchAt string
	)
	fs.StringVar(&pathType, "path-type", "", "Delivery path: email, webhook or telegram")
	fs.StringVar(&opts.Request.Recipient, "recipient", "", "Address, URL or chat id for the path type")
	fs.StringVar(&opts.Request.Subject, "subject", "", "Optional subject line")
	fs.StringVar(&opts.Request.Body, "body", "", "Message body")
	fs.StringVar(&dispatchAt, "dispatch-at", "", "Earliest delivery time (RFC3339); defaults to now")
	fs.BoolVar(&opts.Dispatch, "dispatch", false, "Enqueue the message for delivery after staging it")

	if err := fs.Parse(args); err != nil {
		return createMessageOptions{}, err
	}
	if strings.TrimSpace(pathType) == "" {
		return createMessageOptions{}, errors.New("--path-type is required")
	}
	opts.Request.PathType = model.PathType(pathType)

	at, err := parseOptionalTime("--dispatch-at", dispatchAt)
	if err != nil {
		return createMessageOptions{}, err
	}
	opts.Request.DispatchAt = at
	return opts, nil
}

// parseIDFlags accepts the id either as --id or as the first positional argument.
func parseIDFlags(name string, args []string) (idOptions, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var opts idOptions
	fs.StringVar(&opts.ID, "id", "", "Message id")
	if err := fs.Parse(args); err != nil {
		return idOptions{}, err
	}
	if opts.ID == "" && fs.NArg() > 0 {
		opts.ID = fs.Arg(0)
	}
	opts.ID = strings.TrimSpace(opts.ID)
	if opts.ID == "" {
		return idOptions{}, errors.New("message id is required (--id or positional)")
	}
	return opts, nil
}

func parseShowMessageFlags(args []string) (showMessageOptions, error) {
	fs := flag.NewFlagSet("show-message", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var opts showMessageOptions
	fs.StringVar(&opts.ID, "id", "", "Message id")
	fs.IntVar(&opts.HistoryLimit, "history", 20, "Number of delivery attempts to show")
	if err := fs.Parse(args); err != nil {
		return showMessageOptions{}, err
	}
	if opts.ID == "" && fs.NArg() > 0 {
		opts.ID = fs.Arg(0)
	}
	opts.ID = strings.TrimSpace(opts.ID)
	if opts.ID == "" {
		return showMessageOptions{}, errors.New("message id is required (--id or positional)")
	}
	if opts.HistoryLimit < 0 {
		return showMessageOptions{}, errors.New("--history must not be negative")
	}
	return opts, nil
}

// parseBatchFlags accepts ids from a comma-separated --ids flag and from positional arguments.
func parseBatchFlags(args []string) (batchOptions, error) {
	fs := flag.NewFlagSet("batch-dispatch", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var raw string
	fs.StringVar(&raw, "ids", "", "Comma-separated message ids")
	if err := fs.Parse(args); err != nil {
		return batchOptions{}, err
	}

	var opts batchOptions
	for _, part := range append(strings.Split(raw, ","), fs.Args()...) {
		if id := strings.TrimSpace(part); id != "" {
			opts.IDs = append(opts.IDs, id)
		}
	}
	if len(opts.IDs) == 0 {
		return batchOptions{}, errors.New("at least one message id is required")
	}
	return opts, nil
}

func parseRetryFlags(args []string) (retryOptions, error) {
	fs := flag.NewFlagSet("retry", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		opts       retryOptions
		dispatchAt string
	)
	fs.StringVar(&opts.ID, "id", "", "Message id")
	fs.StringVar(&dispatchAt, "dispatch-at", "", "New earliest delivery time (RFC3339); defaults to now")
	if err := fs.Parse(args); err != nil {
		return retryOptions{}, err
	}
	if opts.ID == "" && fs.NArg() > 0 {
		opts.ID = fs.Arg(0)
	}
	opts.ID = strings.TrimSpace(opts.ID)
	if opts.ID == "" {
		return retryOptions{}, errors.New("message id is required (--id or positional)")
	}
	at, err := parseOptionalTime("--dispatch-at", dispatchAt)
	if err != nil {
		return retryOptions{}, err
	}
	opts.DispatchAt = at
	return opts, nil
}

func parseListMessagesFlags(args []string) (listMessagesOptions, error) {
	fs := flag.NewFlagSet("list-messages", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var opts listMessagesOptions
	fs.StringVar(&opts.State, "state", "", "Filter by state: staged, dispatched, sent, cancelled or errored")
	fs.IntVar(&opts.Limit, "limit", 50, "Maximum rows to return")
	fs.IntVar(&opts.Offset, "offset", 0, "Rows to skip")
	if err := fs.Parse(args); err != nil {
		return listMessagesOptions{}, err
	}
	opts.State = strings.ToLower(strings.TrimSpace(opts.State))
	if opts.State != "" && !model.MessageState(opts.State).Valid() {
		return listMessagesOptions{}, fmt.Errorf("invalid --state %q", opts.State)
	}
	if opts.Limit <= 0 {
		return listMessagesOptions{}, errors.New("--limit must be greater than zero")
	}
	if opts.Offset < 0 {
		return listMessagesOptions{}, errors.New("--offset must not be negative")
	}
	return opts, nil
}

func parseOptionalTime(flagName, value string) (*time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil //nolint:nilnil // absent flag
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, fmt.Errorf("%s must be RFC3339: %w", flagName, err)
	}
	t = t.UTC()
	return &t, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}

func printMessageTable(w io.Writer, msgs []*model.Message) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	if err := writeln(tw, "ID\tSTATE\tPATH\tRECIPIENT\tDISPATCH AT\tATTEMPTS"); err != nil {
		return err
	}
	for _, m := range msgs {
		if err := writef(tw, "%s\t%s\t%s\t%s\t%s\t%d\n",
			m.ID, m.State, m.PathType, m.Recipient, m.DispatchAt.UTC().Format(time.RFC3339), m.Attempts,
		); err != nil {
			return err
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	return writef(w, "\n%d message(s)\n", len(msgs))
}

func printMessageDetail(w io.Writer, msg *model.Message, attempts []*model.DeliveryAttempt) error {
	lines := []string{
		"ID:          " + msg.ID,
		"State:       " + string(msg.State),
		"Path:        " + string(msg.PathType),
		"Recipient:   " + msg.Recipient,
		"Dispatch at: " + msg.DispatchAt.UTC().Format(time.RFC3339),
		fmt.Sprintf("Attempts:    %d", msg.Attempts),
	}
	if msg.SentAt != nil {
		lines = append(lines, "Sent at:     "+msg.SentAt.UTC().Format(time.RFC3339))
	}
	if msg.LastError != nil {
		lines = append(lines, "Last error:  "+*msg.LastError)
	}
	for _, line := range lines {
		if err := writeln(w, line); err != nil {
			return err
		}
	}

	if len(attempts) == 0 {
		return writeln(w, "\nNo delivery attempts recorded")
	}
	if err := writef(w, "\nDelivery history\n"); err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	if err := writeln(tw, "ATTEMPTED AT\tOUTCOME\tDURATION\tERROR"); err != nil {
		return err
	}
	for _, a := range attempts {
		errText := "-"
		if a.Error != nil {
			errText = *a.Error
		}
		if err := writef(tw, "%s\t%s\t%dms\t%s\n",
			a.AttemptedAt.UTC().Format(time.RFC3339), a.Outcome, a.DurationMs, errText,
		); err != nil {
			return err
		}
	}
	return tw.Flush()
}
