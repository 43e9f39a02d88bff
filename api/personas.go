package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tulipex/tulipcore/internal/personas"
)

func (s *Server) listPersonas(c *gin.Context) {
	items, err := s.registry.List(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (s *Server) getPersona(c *gin.Context) {
	p, err := s.registry.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) createPersona(c *gin.Context) {
	var p personas.Persona
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Validation failed", "details": err.Error()})
		return
	}
	created, err := s.registry.Create(c.Request.Context(), p)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (s *Server) updatePersona(c *gin.Context) {
	var body struct {
		UserName  *string `json:"userName"`
		AvatarURL *string `json:"avatarUrl"`
		Bio       *string `json:"bio"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Validation failed", "details": err.Error()})
		return
	}
	updates := map[string]interface{}{}
	if body.UserName != nil {
		updates["user_name"] = *body.UserName
	}
	if body.AvatarURL != nil {
		updates["avatar_url"] = *body.AvatarURL
	}
	if body.Bio != nil {
		updates["bio"] = *body.Bio
	}

	updated, err := s.registry.Update(c.Request.Context(), c.Param("id"), updates)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (s *Server) deletePersona(c *gin.Context) {
	if err := s.registry.Delete(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
