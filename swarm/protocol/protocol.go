// Package protocol holds the message types exchanged between nodes and the topics announced locally.
package protocol

import (
	"peerbus/datamodel/presence"
	"peerbus/helper/tag"
	"peerbus/ident"
	"peerbus/secure"
)

// Network message names. The type tag on the wire is tag.Of(name).
const (
	ClientAnnounce       = "client.announce"
	ClientKeyExchange    = "client.keyExchange"
	MessagingDirect      = "messaging.direct"
	MatchmakingUpdate    = "matchmaking.update"
	MatchmakingTerminate = "matchmaking.terminate"
	RelationsUpdate      = "relations.update"
	PresenceUpdate       = "presence.update"
)

// Local notification topics
const (
	TopicPeerDiscovered    = "peers.discovered"
	TopicPeerLost          = "peers.lost"
	TopicSessionUpdated    = "matchmaking.sessionUpdated"
	TopicSessionExpired    = "matchmaking.sessionExpired"
	TopicSessionTerminated = "matchmaking.sessionTerminated"
	TopicRelationFriends   = "relations.friends"
	TopicRelationRequest   = "relations.friendRequest"
	TopicRelationBlocked   = "relations.blocked"
	TopicRelationNeutral   = "relations.neutral"
	TopicMessageReceived   = "messaging.received"
)

var (
	TagClientAnnounce       = tag.Of(ClientAnnounce)
	TagClientKeyExchange    = tag.Of(ClientKeyExchange)
	TagMessagingDirect      = tag.Of(MessagingDirect)
	TagMatchmakingUpdate    = tag.Of(MatchmakingUpdate)
	TagMatchmakingTerminate = tag.Of(MatchmakingTerminate)
	TagRelationsUpdate      = tag.Of(RelationsUpdate)
	TagPresenceUpdate       = tag.Of(PresenceUpdate)
)

type Announce struct {
	AccountID ident.AccountID `json:"account"`
	Username  string          `json:"username"`
	Locale    string          `json:"locale,omitempty"`
	PublicKey []byte          `json:"key"`
}

// KeyExchange asks To for its public key and carries the requester's own key.
// A reply has Reply set and is never answered.
type KeyExchange struct {
	From      ident.AccountID `json:"from"`
	To        ident.AccountID `json:"to"`
	PublicKey []byte          `json:"key"`
	Reply     bool            `json:"reply,omitempty"`
}

type Direct struct {
	From ident.AccountID `json:"from"`
	To   ident.AccountID `json:"to"`
	Box  *secure.Box     `json:"box"`
	Sent int64           `json:"sent"` // Unix milliseconds
}

// Session is a matchmaking session. Remote sessions are keyed by (Host, Provider).
type Session struct {
	Host       ident.AccountID `cbor:"host" json:"host"`
	Provider   string          `cbor:"provider" json:"provider"`
	ServerName string          `cbor:"serverName" json:"serverName"`
	MapName    string          `cbor:"mapName" json:"mapName"`
	Address    string          `cbor:"address" json:"address"`
	Port       uint16          `cbor:"port" json:"port"`
	GameData   []byte          `cbor:"gameData,omitempty" json:"gameData,omitempty"`
	Updated    int64           `cbor:"updated" json:"updated"` // Unix milliseconds
}

type SessionKey struct {
	Host     ident.AccountID `cbor:"host" json:"host"`
	Provider string          `cbor:"provider" json:"provider"`
}

func (s *Session) Key() SessionKey {
	return SessionKey{Host: s.Host, Provider: s.Provider}
}

type RelationUpdate struct {
	Source    ident.AccountID `cbor:"source" json:"source"`
	Target    ident.AccountID `cbor:"target" json:"target"`
	IsFriend  bool            `cbor:"isFriend" json:"isFriend"`
	IsBlocked bool            `cbor:"isBlocked" json:"isBlocked"`
}

// PresenceBatch carries every change of one account in a single message
type PresenceBatch struct {
	AccountID ident.AccountID  `json:"account"`
	Set       []*presence.Item `json:"set,omitempty"`
	Delete    []*presence.Key  `json:"delete,omitempty"`
}

// MessageEvent is the payload of TopicMessageReceived
type MessageEvent struct {
	From ident.AccountID `json:"from"`
	Body []byte          `json:"body"`
	Sent int64           `json:"sent"`
}

// RelationEvent is the payload of the relation topics. It describes the pair after the update.
type RelationEvent struct {
	A    ident.AccountID `json:"a"`
	B    ident.AccountID `json:"b"`
	AtoB RelationUpdate  `json:"aToB"`
	BtoA RelationUpdate  `json:"bToA"`
}
