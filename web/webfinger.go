package web

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/pikefed/pikefed/domain"
)

// handleWebfinger answers acct: lookups for local actors of any kind. The
// same name could exist as both a user and a community; users win, matching
// the /u namespace being the default.
func (s *Server) handleWebfinger(c *gin.Context) {
	resource := c.Query("resource")
	if resource == "" || !strings.HasPrefix(resource, "acct:") {
		c.JSON(http.StatusNotFound, gin.H{"detail": "Not Found"})
		return
	}

	name := strings.TrimPrefix(resource, "acct:")
	name = strings.TrimPrefix(name, "@")
	if i := strings.IndexByte(name, '@'); i >= 0 {
		if !strings.EqualFold(name[i+1:], s.conf.Conf.SslDomain) {
			c.JSON(http.StatusNotFound, gin.H{"detail": "Not Found"})
			return
		}
		name = name[:i]
	}

	for _, kind := range []domain.ActorKind{domain.KindUser, domain.KindCommunity, domain.KindFeed} {
		actor := s.lookupLocal(kind, name)
		if actor == nil || actor.Banned {
			continue
		}
		c.Header("Content-Type", "application/jrd+json; charset=utf-8")
		c.JSON(http.StatusOK, gin.H{
			"subject": fmt.Sprintf("acct:%s@%s", actor.Name, s.conf.Conf.SslDomain),
			"links": []gin.H{{
				"rel":  "self",
				"type": "application/activity+json",
				"href": actor.ProfileURI,
			}},
		})
		return
	}

	c.JSON(http.StatusNotFound, gin.H{"detail": "Not Found"})
}
