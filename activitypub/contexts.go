package activitypub

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/piprate/json-gold/ld"
)

// JSON-LD contexts are served from embedded copies. Normalization runs on
// every linked-data signature, so it must not depend on third-party context
// hosts being up, and it must not leak a request to them per activity.
// Contexts we do not carry resolve to an empty term map: their terms drop
// out of the normalization instead of failing it.

const activityStreamsContext = "https://www.w3.org/ns/activitystreams"

// The w3id security/v1 context, as published.
const securityContextJSON = `{
  "@context": {
    "id": "@id",
    "type": "@type",
    "dc": "http://purl.org/dc/terms/",
    "sec": "https://w3id.org/security#",
    "xsd": "http://www.w3.org/2001/XMLSchema#",
    "EcdsaKoblitzSignature2016": "sec:EcdsaKoblitzSignature2016",
    "Ed25519Signature2018": "sec:Ed25519Signature2018",
    "EncryptedMessage": "sec:EncryptedMessage",
    "GraphSignature2012": "sec:GraphSignature2012",
    "LinkedDataSignature2015": "sec:LinkedDataSignature2015",
    "LinkedDataSignature2016": "sec:LinkedDataSignature2016",
    "RsaSignature2017": "sec:RsaSignature2017",
    "CryptographicKey": "sec:Key",
    "authenticationTag": "sec:authenticationTag",
    "canonicalizationAlgorithm": "sec:canonicalizationAlgorithm",
    "cipherAlgorithm": "sec:cipherAlgorithm",
    "cipherData": "sec:cipherData",
    "cipherKey": "sec:cipherKey",
    "created": {"@id": "dc:created", "@type": "xsd:dateTime"},
    "creator": {"@id": "dc:creator", "@type": "@id"},
    "digestAlgorithm": "sec:digestAlgorithm",
    "digestValue": "sec:digestValue",
    "domain": "sec:domain",
    "encryptionKey": "sec:encryptionKey",
    "expiration": {"@id": "sec:expiration", "@type": "xsd:dateTime"},
    "expires": {"@id": "sec:expiration", "@type": "xsd:dateTime"},
    "initializationVector": "sec:initializationVector",
    "iterationCount": "sec:iterationCount",
    "nonce": "sec:nonce",
    "normalizationAlgorithm": "sec:normalizationAlgorithm",
    "owner": {"@id": "sec:owner", "@type": "@id"},
    "password": "sec:password",
    "privateKey": {"@id": "sec:privateKey", "@type": "@id"},
    "privateKeyPem": "sec:privateKeyPem",
    "publicKey": {"@id": "sec:publicKey", "@type": "@id"},
    "publicKeyBase58": "sec:publicKeyBase58",
    "publicKeyPem": "sec:publicKeyPem",
    "publicKeyWif": "sec:publicKeyWif",
    "publicKeyService": {"@id": "sec:publicKeyService", "@type": "@id"},
    "revoked": {"@id": "sec:revoked", "@type": "xsd:dateTime"},
    "salt": "sec:salt",
    "signature": "sec:signature",
    "signatureAlgorithm": "sec:signingAlgorithm",
    "signatureValue": "sec:signatureValue"
  }
}`

// The activitystreams terms the engine actually emits and signs.
const activityStreamsContextJSON = `{
  "@context": {
    "id": "@id",
    "type": "@type",
    "as": "https://www.w3.org/ns/activitystreams#",
    "xsd": "http://www.w3.org/2001/XMLSchema#",
    "Accept": "as:Accept",
    "Add": "as:Add",
    "Announce": "as:Announce",
    "Article": "as:Article",
    "Block": "as:Block",
    "Create": "as:Create",
    "Delete": "as:Delete",
    "Dislike": "as:Dislike",
    "Flag": "as:Flag",
    "Follow": "as:Follow",
    "Group": "as:Group",
    "Like": "as:Like",
    "Link": "as:Link",
    "Note": "as:Note",
    "Page": "as:Page",
    "Person": "as:Person",
    "Question": "as:Question",
    "Reject": "as:Reject",
    "Remove": "as:Remove",
    "Service": "as:Service",
    "Tombstone": "as:Tombstone",
    "Undo": "as:Undo",
    "Update": "as:Update",
    "Video": "as:Video",
    "Public": "as:Public",
    "actor": {"@id": "as:actor", "@type": "@id"},
    "attributedTo": {"@id": "as:attributedTo", "@type": "@id"},
    "audience": {"@id": "as:audience", "@type": "@id"},
    "cc": {"@id": "as:cc", "@type": "@id"},
    "content": "as:content",
    "endpoints": {"@id": "as:endpoints", "@type": "@id"},
    "followers": {"@id": "as:followers", "@type": "@id"},
    "following": {"@id": "as:following", "@type": "@id"},
    "inbox": {"@id": "http://www.w3.org/ns/ldp#inbox", "@type": "@id"},
    "inReplyTo": {"@id": "as:inReplyTo", "@type": "@id"},
    "name": "as:name",
    "object": {"@id": "as:object", "@type": "@id"},
    "outbox": {"@id": "as:outbox", "@type": "@id"},
    "preferredUsername": "as:preferredUsername",
    "published": {"@id": "as:published", "@type": "xsd:dateTime"},
    "sensitive": "as:sensitive",
    "sharedInbox": {"@id": "as:sharedInbox", "@type": "@id"},
    "summary": "as:summary",
    "target": {"@id": "as:target", "@type": "@id"},
    "to": {"@id": "as:to", "@type": "@id"},
    "updated": {"@id": "as:updated", "@type": "xsd:dateTime"},
    "url": {"@id": "as:url", "@type": "@id"}
  }
}`

var (
	contextsOnce     sync.Once
	embeddedContexts map[string]any
	emptyContext     any
)

func loadEmbeddedContexts() {
	parse := func(raw string) any {
		var doc any
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			panic(fmt.Sprintf("embedded context corrupt: %v", err))
		}
		return doc
	}
	embeddedContexts = map[string]any{
		activityStreamsContext: parse(activityStreamsContextJSON),
		securityContext:        parse(securityContextJSON),
	}
	emptyContext = parse(`{"@context": {}}`)
}

// offlineContextLoader satisfies ld.DocumentLoader without ever touching the
// network.
type offlineContextLoader struct{}

func (offlineContextLoader) LoadDocument(u string) (*ld.RemoteDocument, error) {
	contextsOnce.Do(loadEmbeddedContexts)

	key := strings.TrimSuffix(u, "/")
	if doc, ok := embeddedContexts[key]; ok {
		return &ld.RemoteDocument{DocumentURL: u, Document: doc}, nil
	}
	if strings.HasPrefix(u, "https://") || strings.HasPrefix(u, "http://") {
		return &ld.RemoteDocument{DocumentURL: u, Document: emptyContext}, nil
	}
	return nil, fmt.Errorf("unloadable context %q", u)
}
