package web

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/pikefed/pikefed/domain"
)

// Collection endpoints. Peers mostly want the totalItems counts; the items
// themselves stay private.

func orderedCollection(id string, total int) gin.H {
	return gin.H{
		"@context":     "https://www.w3.org/ns/activitystreams",
		"id":           id,
		"type":         "OrderedCollection",
		"totalItems":   total,
		"orderedItems": []any{},
	}
}

func (s *Server) emptyCollectionHandler(kind domain.ActorKind, collection string) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor := s.lookupLocal(kind, c.Param("name"))
		if actor == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.Header("Content-Type", activityJSON)
		c.JSON(http.StatusOK, orderedCollection(actor.ProfileURI+"/"+collection, 0))
	}
}

func (s *Server) followersHandler(kind domain.ActorKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor := s.lookupLocal(kind, c.Param("name"))
		if actor == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		total := 0
		if err, count := s.store.CountFollowers(actor.Id); err == nil {
			total = count
		}
		c.Header("Content-Type", activityJSON)
		c.JSON(http.StatusOK, orderedCollection(actor.ProfileURI+"/followers", total))
	}
}

func (s *Server) moderatorsHandler(c *gin.Context) {
	actor := s.lookupLocal(domain.KindCommunity, c.Param("name"))
	if actor == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	total := 0
	if err, inboxes := s.store.ModeratorInboxes(actor.Id); err == nil && inboxes != nil {
		total = len(*inboxes)
	}
	c.Header("Content-Type", activityJSON)
	c.JSON(http.StatusOK, orderedCollection(actor.ProfileURI+"/moderators", total))
}
