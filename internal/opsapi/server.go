package opsapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"mailvault/internal/index"
	"mailvault/internal/state"
)

// Server exposes the operator surface: account crawl status, search,
// and the derived aggregates. All routes require a bearer token.
type Server struct {
	states    *state.Store
	idx       *index.Store
	jwtSecret []byte

	searchLimit   int
	minTermLength int
	stopWords     []string
}

func NewServer(states *state.Store, idx *index.Store, jwtSecret string,
	searchLimit, minTermLength int, stopWords []string) *Server {
	return &Server{
		states:        states,
		idx:           idx,
		jwtSecret:     []byte(jwtSecret),
		searchLimit:   searchLimit,
		minTermLength: minTermLength,
		stopWords:     stopWords,
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	r := gin.Default()

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	authorized := r.Group("/")
	authorized.Use(s.authMiddleware())

	authorized.GET("/accounts", s.listAccounts)
	authorized.GET("/accounts/:id", s.getAccount)
	authorized.GET("/search", s.search)
	authorized.GET("/graph", s.graph)
	authorized.GET("/terms", s.terms)
	authorized.POST("/terms/refresh", s.refreshTerms)

	return r
}

func (s *Server) listAccounts(c *gin.Context) {
	states, err := s.states.List()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, states)
}

func (s *Server) getAccount(c *gin.Context) {
	st, err := s.states.Load(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if st.StartedAt == nil && st.TotalDiscovered == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "account never crawled"})
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) search(c *gin.Context) {
	f := index.Filter{
		Text:    c.Query("q"),
		Account: c.Query("account"),
		Sender:  c.Query("sender"),
		Subject: c.Query("subject"),
		Limit:   s.searchLimit,
	}
	if v := c.Query("since"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid since date"})
			return
		}
		f.Since = t
	}
	if v := c.Query("until"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid until date"})
			return
		}
		f.Until = t
	}
	if v := c.Query("attachments"); v != "" {
		has := v == "true" || v == "1"
		f.HasAttachments = &has
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		if n < f.Limit || f.Limit <= 0 {
			f.Limit = n
		}
	}

	records, err := s.idx.Search(c.Request.Context(), f)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(records), "results": records})
}

func (s *Server) graph(c *gin.Context) {
	edges, err := s.idx.CommunicationGraph(c.Request.Context(), c.Query("account"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(edges), "edges": edges})
}

func (s *Server) terms(c *gin.Context) {
	account := c.Query("account")
	if account == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "account is required"})
		return
	}
	limit := 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}

	terms, err := s.idx.TermFrequencies(c.Request.Context(), account, index.TermOptions{
		MinLength: s.minTermLength,
		StopWords: s.stopWords,
		Limit:     limit,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(terms), "terms": terms})
}

// refreshTerms rematerializes the term aggregates for one account so
// subsequent /terms reads reflect everything indexed since the last
// refresh.
func (s *Server) refreshTerms(c *gin.Context) {
	account := c.Query("account")
	if account == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "account is required"})
		return
	}
	err := s.idx.RefreshTermCache(c.Request.Context(), account, index.TermOptions{
		MinLength: s.minTermLength,
		StopWords: s.stopWords,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "refreshed", "account": account})
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := c.GetHeader("Authorization")
		if tokenString == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header"})
			c.Abort()
			return
		}
		if len(tokenString) > 7 && tokenString[:7] == "Bearer " {
			tokenString = tokenString[7:]
		}

		token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return s.jwtSecret, nil
		})
		if err != nil || !token.Valid {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			c.Abort()
			return
		}
		c.Next()
	}
}
