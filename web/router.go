package web

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pikefed/pikefed/activitypub"
	"github.com/pikefed/pikefed/domain"
	"github.com/pikefed/pikefed/util"
)

// Store is the slice of persistence the HTTP layer reads from.
type Store interface {
	FindLocalActor(kind domain.ActorKind, name string) (error, *domain.Actor)
	CountFollowers(actorId uuid.UUID) (error, int)
	ModeratorInboxes(communityId uuid.UUID) (error, *[]string)
	ReadModlog(limit int) (error, *[]domain.ModlogEntry)
}

// Server serves the federation HTTP surface: webfinger, actor documents,
// collections and the inboxes.
type Server struct {
	conf  *util.AppConfig
	store Store
	fed   *activitypub.Federator
	log   *zap.Logger
}

func NewServer(conf *util.AppConfig, store Store, fed *activitypub.Federator, logger *zap.Logger) *Server {
	return &Server{conf: conf, store: store, fed: fed, log: logger}
}

// Router builds the gin engine with all routes attached.
func (s *Server) Router() *gin.Engine {
	g := gin.New()
	g.Use(gin.Recovery())
	g.Use(gzip.Gzip(gzip.DefaultCompression))

	// Two budgets: a loose global one, and a stricter one on the inboxes
	// where each request costs signature checks and database work.
	fedConf := s.conf.Federation
	g.Use(rateLimitMiddleware(newIPRateLimiter(fedConf.GlobalRatePerSec, fedConf.GlobalRateBurst)))

	inboxLimit := rateLimitMiddleware(newIPRateLimiter(fedConf.InboxRatePerSec, fedConf.InboxRateBurst))
	maxBodySize := maxBytesMiddleware(fedConf.MaxBodyBytes)

	g.GET("/.well-known/webfinger", s.handleWebfinger)
	g.GET("/.well-known/nodeinfo", s.handleNodeinfoDiscovery)
	g.GET("/nodeinfo/2.0", s.handleNodeinfo)

	for prefix, kind := range map[string]domain.ActorKind{
		"u": domain.KindUser,
		"c": domain.KindCommunity,
		"f": domain.KindFeed,
	} {
		kind := kind
		grp := g.Group("/" + prefix + "/:name")
		grp.GET("", s.actorDocumentHandler(kind))
		grp.GET("/outbox", s.emptyCollectionHandler(kind, "outbox"))
		grp.GET("/followers", s.followersHandler(kind))
		grp.GET("/following", s.emptyCollectionHandler(kind, "following"))
		grp.POST("/inbox", inboxLimit, maxBodySize, s.handleInbox)
		if kind == domain.KindCommunity {
			grp.GET("/moderators", s.moderatorsHandler)
			grp.GET("/featured", s.emptyCollectionHandler(kind, "featured"))
		}
	}

	// Shared inboxes: every activity routes through the dispatcher, which
	// works out the target from the activity itself.
	g.POST("/inbox", inboxLimit, maxBodySize, s.handleInbox)
	g.POST("/site_inbox", inboxLimit, maxBodySize, s.handleInbox)

	g.GET("/modlog", s.handleModlog)

	return g
}

// Run starts the HTTP server, blocking.
func (s *Server) Run() error {
	s.log.Info("starting federation server",
		zap.String("host", s.conf.Conf.Host),
		zap.Int("port", s.conf.Conf.HttpPort))
	return s.Router().Run(fmt.Sprintf(":%d", s.conf.Conf.HttpPort))
}

// handleInbox reads the body and hands it to the dispatcher; the result's
// outcome decides the status the peer sees.
func (s *Server) handleInbox(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.Status(http.StatusRequestEntityTooLarge)
		return
	}

	result := s.fed.HandleActivity(c.Request.Context(), c.Request, body)
	if result.Outcome == domain.OutcomeRejected {
		s.log.Debug("inbox rejection",
			zap.String("reason", result.Reason), zap.String("ip", c.ClientIP()))
	}
	c.Status(result.Status())
}

func (s *Server) handleModlog(c *gin.Context) {
	err, entries := s.store.ReadModlog(100)
	if err != nil || entries == nil {
		c.JSON(http.StatusOK, []any{})
		return
	}
	out := make([]gin.H, 0, len(*entries))
	for _, e := range *entries {
		out = append(out, gin.H{
			"action":     e.Action,
			"actor":      e.ActorURI,
			"target":     e.TargetURI,
			"scope":      e.Scope,
			"reason":     e.Reason,
			"created_at": e.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleNodeinfoDiscovery(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"links": []gin.H{{
			"rel":  "http://nodeinfo.diaspora.software/ns/schema/2.0",
			"href": fmt.Sprintf("https://%s/nodeinfo/2.0", s.conf.Conf.SslDomain),
		}},
	})
}

func (s *Server) handleNodeinfo(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"version": "2.0",
		"software": gin.H{
			"name":    "pikefed",
			"version": util.GetVersion(),
		},
		"protocols":         []string{"activitypub"},
		"openRegistrations": false,
		"usage":             gin.H{"users": gin.H{}},
		"metadata":          gin.H{},
	})
}

// lookupLocal fetches a local actor by kind and name, nil when absent.
func (s *Server) lookupLocal(kind domain.ActorKind, name string) *domain.Actor {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil
	}
	err, actor := s.store.FindLocalActor(kind, name)
	if err != nil || actor == nil || actor.Deleted {
		return nil
	}
	return actor
}
