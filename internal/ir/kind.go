package ir

import "strings"

// EventKind classifies a normalized event.
type EventKind string

const (
	KindDonation       EventKind = "donation"
	KindOrder          EventKind = "order"
	KindSubscription   EventKind = "subscription"
	KindResubscription EventKind = "resubscription"
	KindGiftSub        EventKind = "gift_subscription"
	KindMembership     EventKind = "membership"
	KindGiftMembership EventKind = "gift_membership"
	KindCheer          EventKind = "cheer"
	KindRaid           EventKind = "raid"
	KindFollow         EventKind = "follow"
	KindHypeTrain      EventKind = "hype_train"
	KindCommand        EventKind = "command"
	KindAdjustment     EventKind = "adjustment"
)

// KindInfo describes how the engine treats a kind.
type KindInfo struct {
	// Currency is true when RawValue is a money amount in CurrencyCode.
	Currency bool

	// Tiered is true when RawValue names the Value Table tier.
	Tiered bool

	// SubLike kinds are subject to engagement dedup.
	SubLike bool

	// Valued kinds are priced through the Value Table.
	Valued bool
}

var kindInfo = map[EventKind]KindInfo{
	KindDonation:       {Currency: true, Valued: true},
	KindOrder:          {Currency: true, Valued: true},
	KindSubscription:   {Tiered: true, SubLike: true, Valued: true},
	KindResubscription: {Tiered: true, SubLike: true, Valued: true},
	KindGiftSub:        {Tiered: true, SubLike: true, Valued: true},
	KindMembership:     {Tiered: true, SubLike: true, Valued: true},
	KindGiftMembership: {Tiered: true, SubLike: true, Valued: true},
	KindCheer:          {Valued: true},
	KindRaid:           {Valued: true},
	KindFollow:         {Valued: true},
	KindHypeTrain:      {},
	KindCommand:        {},
	KindAdjustment:     {},
}

// Info returns the treatment flags for k and whether k is a known kind.
func (k EventKind) Info() (KindInfo, bool) {
	info, ok := kindInfo[k]
	return info, ok
}

// Valid reports whether k is a known kind.
func (k EventKind) Valid() bool {
	_, ok := kindInfo[k]
	return ok
}

// BypassesLock reports whether events of this kind are applied while the run is locked.
// Only operator commands and the adjustments they raise bypass the lock.
func (k EventKind) BypassesLock() bool {
	return k == KindCommand || k == KindAdjustment
}

// AllKinds returns every known kind in declaration order.
func AllKinds() []EventKind {
	return []EventKind{
		KindDonation, KindOrder,
		KindSubscription, KindResubscription, KindGiftSub,
		KindMembership, KindGiftMembership,
		KindCheer, KindRaid, KindFollow,
		KindHypeTrain, KindCommand, KindAdjustment,
	}
}

// ParseKind parses a kind name, case-insensitively.
func ParseKind(s string) (EventKind, bool) {
	k := EventKind(strings.ToLower(strings.TrimSpace(s)))
	return k, k.Valid()
}

// CommandType names an operator command.
type CommandType string

const (
	CmdAddPoints       CommandType = "AddPoints"
	CmdSubtractPoints  CommandType = "SubtractPoints"
	CmdSetPoints       CommandType = "SetPoints"
	CmdAddTime         CommandType = "AddTime"
	CmdSubtractTime    CommandType = "SubtractTime"
	CmdSetTime         CommandType = "SetTime"
	CmdSetMultiplier   CommandType = "SetMultiplier"
	CmdStopMultiplier  CommandType = "StopMultiplier"
	CmdAddMoney        CommandType = "AddMoney"
	CmdSubtractMoney   CommandType = "SubtractMoney"
	CmdPause           CommandType = "Pause"
	CmdResume          CommandType = "Resume"
	CmdLock            CommandType = "Lock"
	CmdUnlock          CommandType = "Unlock"
	CmdRefreshOverlays CommandType = "RefreshOverlays"
)

// CommandFamily groups command types by argument grammar.
type CommandFamily int

const (
	FamilyNone CommandFamily = iota
	FamilyPoints
	FamilyTime
	FamilyMultiplier
	FamilyMoney
)

var commandFamilies = map[CommandType]CommandFamily{
	CmdAddPoints:       FamilyPoints,
	CmdSubtractPoints:  FamilyPoints,
	CmdSetPoints:       FamilyPoints,
	CmdAddTime:         FamilyTime,
	CmdSubtractTime:    FamilyTime,
	CmdSetTime:         FamilyTime,
	CmdSetMultiplier:   FamilyMultiplier,
	CmdStopMultiplier:  FamilyNone,
	CmdAddMoney:        FamilyMoney,
	CmdSubtractMoney:   FamilyMoney,
	CmdPause:           FamilyNone,
	CmdResume:          FamilyNone,
	CmdLock:            FamilyNone,
	CmdUnlock:          FamilyNone,
	CmdRefreshOverlays: FamilyNone,
}

// Family returns the argument grammar for c and whether c is known.
func (c CommandType) Family() (CommandFamily, bool) {
	f, ok := commandFamilies[c]
	return f, ok
}

// Valid reports whether c is a known command type.
func (c CommandType) Valid() bool {
	_, ok := commandFamilies[c]
	return ok
}

// AllCommandTypes returns every command type in declaration order.
func AllCommandTypes() []CommandType {
	return []CommandType{
		CmdAddPoints, CmdSubtractPoints, CmdSetPoints,
		CmdAddTime, CmdSubtractTime, CmdSetTime,
		CmdSetMultiplier, CmdStopMultiplier,
		CmdAddMoney, CmdSubtractMoney,
		CmdPause, CmdResume, CmdLock, CmdUnlock,
		CmdRefreshOverlays,
	}
}

// Hype train phases carried in RawValue.
const (
	HypeTrainStart    = "start"
	HypeTrainProgress = "progress"
	HypeTrainEnd      = "end"
)

// MultiplierFailedValue is the RawValue of the StopMultiplier record produced
// when a SetMultiplier argument names neither points nor time.
const MultiplierFailedValue = "SetMultiplier Failed"
