package web

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/pikefed/pikefed/domain"
)

const activityJSON = "application/activity+json; charset=utf-8"

var actorContext = []any{
	"https://www.w3.org/ns/activitystreams",
	"https://w3id.org/security/v1",
}

// actorDocumentHandler serves the ActivityPub actor document for a local
// user, community or feed.
func (s *Server) actorDocumentHandler(kind domain.ActorKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor := s.lookupLocal(kind, c.Param("name"))
		if actor == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		if actor.Banned {
			c.JSON(http.StatusGone, gin.H{"error": "gone"})
			return
		}

		c.Header("Content-Type", activityJSON)
		c.JSON(http.StatusOK, s.actorDocument(actor))
	}
}

func (s *Server) actorDocument(actor *domain.Actor) gin.H {
	id := actor.ProfileURI
	displayName := actor.DisplayName
	if displayName == "" {
		displayName = actor.Name
	}

	doc := gin.H{
		"@context":          actorContext,
		"id":                id,
		"type":              actor.Kind.APType(),
		"preferredUsername": actor.Name,
		"name":              displayName,
		"summary":           actor.Summary,
		"inbox":             id + "/inbox",
		"outbox":            id + "/outbox",
		"followers":         id + "/followers",
		"following":         id + "/following",
		"url":               id,
		"endpoints": gin.H{
			"sharedInbox": fmt.Sprintf("https://%s/inbox", s.conf.Conf.SslDomain),
		},
		"publicKey": gin.H{
			"id":           id + "#main-key",
			"owner":        id,
			"publicKeyPem": actor.PublicKeyPem,
		},
	}

	switch actor.Kind {
	case domain.KindCommunity:
		doc["moderators"] = id + "/moderators"
		doc["featured"] = id + "/featured"
		doc["postingRestrictedToMods"] = false
	default:
		doc["manuallyApprovesFollowers"] = false
		doc["discoverable"] = true
	}

	return doc
}
