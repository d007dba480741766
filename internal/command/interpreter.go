// Package command turns chat text into permission-checked command records.
//
// An Interpreter resolves the alias after the trigger prefix to a command
// type, checks the issuer's roles against that command's permissions, and
// only then parses the argument. Every failure is a Rejection; a rejected
// command never produces a record.
package command

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/cases"

	"github.com/roach88/subathon/internal/config"
	"github.com/roach88/subathon/internal/currency"
	"github.com/roach88/subathon/internal/ir"
)

// RejectionReason classifies why text was not turned into a record.
type RejectionReason string

const (
	RejectNotCommand      RejectionReason = "not_command"
	RejectUnknownCommand  RejectionReason = "unknown_command"
	RejectNotPermitted    RejectionReason = "not_permitted"
	RejectInvalidArgument RejectionReason = "invalid_argument"
)

// Rejection explains a refused command.
type Rejection struct {
	Reason      RejectionReason `json:"reason"`
	CommandType ir.CommandType  `json:"command_type,omitempty"`
	Message     string          `json:"message"`
}

func (r *Rejection) Error() string {
	if r.CommandType != "" {
		return fmt.Sprintf("%s: %s: %s", r.Reason, r.CommandType, r.Message)
	}
	return fmt.Sprintf("%s: %s", r.Reason, r.Message)
}

// Interpreter is safe for concurrent use; it holds no mutable state.
type Interpreter struct {
	cfg    *config.Config
	rates  currency.Normalizer
	logger *slog.Logger
}

// Option configures an Interpreter.
type Option func(*Interpreter)

// WithLogger sets the logger used for rejections.
func WithLogger(l *slog.Logger) Option {
	return func(in *Interpreter) { in.logger = l }
}

// New creates an interpreter. rates validates money command currency codes.
func New(cfg *config.Config, rates currency.Normalizer, opts ...Option) *Interpreter {
	in := &Interpreter{
		cfg:    cfg,
		rates:  rates,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

// Interpret converts raw chat text into a command record.
// The boolean is false when the text is not an accepted command.
func (in *Interpreter) Interpret(raw, issuer string, roles ir.Roles, source string, ts time.Time) (ir.EventRecord, bool) {
	rec, rej := in.InterpretDetailed(raw, issuer, roles, source, ts)
	return rec, rej == nil
}

// InterpretDetailed is Interpret with the rejection reason.
func (in *Interpreter) InterpretDetailed(raw, issuer string, roles ir.Roles, source string, ts time.Time) (ir.EventRecord, *Rejection) {
	req, rej := in.Parse(raw, issuer, roles, source, ts)
	if rej != nil {
		in.logRejection(rej, issuer, source)
		return ir.EventRecord{}, rej
	}

	rec, rej := in.Build(req)
	if rej != nil {
		in.logRejection(rej, issuer, source)
		return ir.EventRecord{}, rej
	}
	return rec, nil
}

func (in *Interpreter) logRejection(rej *Rejection, issuer, source string) {
	// Ordinary chat is not worth a log line.
	if rej.Reason == RejectNotCommand {
		return
	}
	in.logger.Debug("command rejected",
		"event", "command_rejected",
		"reason", string(rej.Reason),
		"command_type", string(rej.CommandType),
		"issuer", issuer,
		"source", source,
		"message", rej.Message)
}

// Parse resolves the alias and checks permissions. Arguments are not
// inspected.
func (in *Interpreter) Parse(raw, issuer string, roles ir.Roles, source string, ts time.Time) (ir.CommandRequest, *Rejection) {
	text := strings.TrimSpace(raw)
	prefix := in.cfg.TriggerPrefix
	if !strings.HasPrefix(text, prefix) {
		return ir.CommandRequest{}, &Rejection{Reason: RejectNotCommand, Message: "missing trigger prefix"}
	}
	text = strings.TrimPrefix(text, prefix)

	name, args, _ := strings.Cut(text, " ")
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return ir.CommandRequest{}, &Rejection{Reason: RejectNotCommand, Message: "empty command name"}
	}

	cmdType, ok := in.resolve(name, source)
	if !ok {
		return ir.CommandRequest{}, &Rejection{
			Reason:  RejectUnknownCommand,
			Message: fmt.Sprintf("no command named %q", name),
		}
	}

	if !in.permitted(cmdType, issuer, roles) {
		return ir.CommandRequest{}, &Rejection{
			Reason:      RejectNotPermitted,
			CommandType: cmdType,
			Message:     fmt.Sprintf("%s may not run %s", issuer, cmdType),
		}
	}

	return ir.CommandRequest{
		CommandType:  cmdType,
		Issuer:       issuer,
		Roles:        roles,
		ArgumentText: strings.TrimSpace(args),
		Source:       source,
		Timestamp:    ts,
	}, nil
}

// resolve finds the command whose alias on source equals name.
func (in *Interpreter) resolve(name, source string) (ir.CommandType, bool) {
	for _, t := range ir.AllCommandTypes() {
		if in.cfg.Alias(t, source) == name {
			return t, true
		}
	}
	return "", false
}

func (in *Interpreter) permitted(t ir.CommandType, issuer string, roles ir.Roles) bool {
	if roles.Broadcaster {
		return true
	}
	perms := in.cfg.CommandFor(t).Permissions
	if roles.Mod && perms.Mods {
		return true
	}
	if roles.VIP && perms.VIPs {
		return true
	}
	// Casers are stateful; one per call.
	fold := cases.Fold()
	folded := fold.String(strings.TrimSpace(issuer))
	for _, name := range perms.Whitelist {
		if fold.String(strings.TrimSpace(name)) == folded {
			return true
		}
	}
	return false
}

// Build parses the request's argument and produces the record.
func (in *Interpreter) Build(req ir.CommandRequest) (ir.EventRecord, *Rejection) {
	rec := ir.EventRecord{
		Kind:        ir.KindCommand,
		CommandType: req.CommandType,
		Source:      req.Source,
		User:        req.Issuer,
		OccurredAt:  req.Timestamp,
	}
	invalid := func(format string, args ...any) (ir.EventRecord, *Rejection) {
		return ir.EventRecord{}, &Rejection{
			Reason:      RejectInvalidArgument,
			CommandType: req.CommandType,
			Message:     fmt.Sprintf(format, args...),
		}
	}

	family, ok := req.CommandType.Family()
	if !ok {
		return ir.EventRecord{}, &Rejection{
			Reason:  RejectUnknownCommand,
			Message: fmt.Sprintf("unknown command type %q", req.CommandType),
		}
	}

	switch family {
	case ir.FamilyPoints:
		n, err := strconv.ParseInt(req.ArgumentText, 10, 64)
		if err != nil {
			return invalid("points must be a whole number, got %q", req.ArgumentText)
		}
		if n < 0 {
			return invalid("points must not be negative, got %d", n)
		}
		if n == 0 && req.CommandType != ir.CmdSetPoints {
			return invalid("points must be greater than zero")
		}
		rec.RawValue = strconv.FormatInt(n, 10)

	case ir.FamilyTime:
		d, err := ParseDuration(req.ArgumentText)
		if err != nil {
			return invalid("%v", err)
		}
		rec.RawValue = d.String()

	case ir.FamilyMultiplier:
		spec, err := ParseMultiplier(req.ArgumentText)
		if err != nil {
			return invalid("%v", err)
		}
		if !spec.Targets() {
			rec.CommandType = ir.CmdStopMultiplier
			rec.RawValue = ir.MultiplierFailedValue
			break
		}
		rec.RawValue = spec.Encode()

	case ir.FamilyMoney:
		fields := strings.Fields(req.ArgumentText)
		if len(fields) != 2 {
			return invalid("expected <amount> <currency>, got %q", req.ArgumentText)
		}
		amount, err := currency.ParseAmount(fields[0])
		if err != nil {
			return invalid("%v", err)
		}
		code := currency.NormalizeCode(fields[1])
		if !in.rates.IsValidCurrency(code) {
			return invalid("unknown currency %q", fields[1])
		}
		rec.RawValue = amount.String()
		rec.CurrencyCode = code

	case ir.FamilyNone:
		// No argument.

	default:
		return invalid("unhandled command family %d", family)
	}

	return rec, nil
}
