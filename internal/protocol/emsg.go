package protocol

import (
	"fmt"
	"strings"
)

// EMsg is an application message type code.
type EMsg uint32

// ProtoMask marks a message whose header is the protobuf-backed variant.
const ProtoMask uint32 = 0x80000000

const (
	EMsgInvalid                EMsg = 0
	EMsgMulti                  EMsg = 1
	EMsgClientHeartBeat        EMsg = 703
	EMsgClientLogOff           EMsg = 706
	EMsgClientLogOnResponse    EMsg = 751
	EMsgClientLoggedOff        EMsg = 757
	EMsgClientCMList           EMsg = 783
	EMsgClientSessionToken     EMsg = 850
	EMsgClientServerList       EMsg = 880
	EMsgChannelEncryptRequest  EMsg = 1303
	EMsgChannelEncryptResponse EMsg = 1304
	EMsgChannelEncryptResult   EMsg = 1305
	EMsgClientLogon            EMsg = 5514
)

var emsgNames = map[EMsg]string{
	EMsgInvalid:                "Invalid",
	EMsgMulti:                  "Multi",
	EMsgClientHeartBeat:        "ClientHeartBeat",
	EMsgClientLogOff:           "ClientLogOff",
	EMsgClientLogOnResponse:    "ClientLogOnResponse",
	EMsgClientLoggedOff:        "ClientLoggedOff",
	EMsgClientCMList:           "ClientCMList",
	EMsgClientSessionToken:     "ClientSessionToken",
	EMsgClientServerList:       "ClientServerList",
	EMsgChannelEncryptRequest:  "ChannelEncryptRequest",
	EMsgChannelEncryptResponse: "ChannelEncryptResponse",
	EMsgChannelEncryptResult:   "ChannelEncryptResult",
	EMsgClientLogon:            "ClientLogon",
}

func (e EMsg) String() string {
	if name, ok := emsgNames[e]; ok {
		return name
	}
	return fmt.Sprintf("EMsg(%d)", uint32(e))
}

// usesShortHeader reports whether legacy messages of this type carry the
// 20-byte header instead of the session-bearing one.
func (e EMsg) usesShortHeader() bool {
	switch e {
	case EMsgChannelEncryptRequest, EMsgChannelEncryptResponse, EMsgChannelEncryptResult, EMsgMulti:
		return true
	}
	return false
}

// EResult is a server result code.
type EResult int32

const (
	EResultInvalid            EResult = 0
	EResultOK                 EResult = 1
	EResultFail               EResult = 2
	EResultNoConnection       EResult = 3
	EResultInvalidPassword    EResult = 5
	EResultLoggedInElsewhere  EResult = 6
	EResultInvalidProtocolVer EResult = 7
	EResultInvalidParam       EResult = 8
	EResultBusy               EResult = 10
	EResultInvalidState       EResult = 11
	EResultAccessDenied       EResult = 15
	EResultTimeout            EResult = 16
	EResultServiceUnavailable EResult = 20
	EResultTryAnotherCM       EResult = 48
)

var eresultNames = map[EResult]string{
	EResultInvalid:            "Invalid",
	EResultOK:                 "OK",
	EResultFail:               "Fail",
	EResultNoConnection:       "NoConnection",
	EResultInvalidPassword:    "InvalidPassword",
	EResultLoggedInElsewhere:  "LoggedInElsewhere",
	EResultInvalidProtocolVer: "InvalidProtocolVer",
	EResultInvalidParam:       "InvalidParam",
	EResultBusy:               "Busy",
	EResultInvalidState:       "InvalidState",
	EResultAccessDenied:       "AccessDenied",
	EResultTimeout:            "Timeout",
	EResultServiceUnavailable: "ServiceUnavailable",
	EResultTryAnotherCM:       "TryAnotherCM",
}

func (r EResult) String() string {
	if name, ok := eresultNames[r]; ok {
		return name
	}
	return fmt.Sprintf("EResult(%d)", int32(r))
}

// Universe is a deployment realm.
type Universe uint32

const (
	UniverseInvalid  Universe = 0
	UniversePublic   Universe = 1
	UniverseBeta     Universe = 2
	UniverseInternal Universe = 3
	UniverseDev      Universe = 4
	UniverseRC       Universe = 5
)

var universeNames = []string{"Invalid", "Public", "Beta", "Internal", "Dev", "RC"}

func (u Universe) String() string {
	if int(u) < len(universeNames) {
		return universeNames[u]
	}
	return fmt.Sprintf("Universe(%d)", uint32(u))
}

// ParseUniverse resolves a universe by its case-insensitive name.
func ParseUniverse(name string) (Universe, error) {
	for i, n := range universeNames {
		if strings.EqualFold(n, name) {
			return Universe(i), nil
		}
	}
	return UniverseInvalid, fmt.Errorf("unknown universe %q", name)
}

// AccountType is the kind of account a SteamID names.
type AccountType uint32

const (
	AccountTypeInvalid        AccountType = 0
	AccountTypeIndividual     AccountType = 1
	AccountTypeMultiseat      AccountType = 2
	AccountTypeGameServer     AccountType = 3
	AccountTypeAnonGameServer AccountType = 4
	AccountTypePending        AccountType = 5
	AccountTypeContentServer  AccountType = 6
	AccountTypeClan           AccountType = 7
	AccountTypeChat           AccountType = 8
	AccountTypeP2PSuperSeeder AccountType = 9
	AccountTypeAnonUser       AccountType = 10
)

var accountTypeNames = []string{
	"Invalid", "Individual", "Multiseat", "GameServer", "AnonGameServer",
	"Pending", "ContentServer", "Clan", "Chat", "P2PSuperSeeder", "AnonUser",
}

func (a AccountType) String() string {
	if int(a) < len(accountTypeNames) {
		return accountTypeNames[a]
	}
	return fmt.Sprintf("AccountType(%d)", uint32(a))
}

// ParseAccountType resolves an account type by its case-insensitive name.
func ParseAccountType(name string) (AccountType, error) {
	for i, n := range accountTypeNames {
		if strings.EqualFold(n, name) {
			return AccountType(i), nil
		}
	}
	return AccountTypeInvalid, fmt.Errorf("unknown account type %q", name)
}
