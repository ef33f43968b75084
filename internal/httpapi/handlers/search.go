package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/suPer8Hu/formfind/internal/search"
)

type similarProductsReq struct {
	ImageURL    string `json:"imageUrl"`
	ImageBase64 string `json:"imageBase64"`
}

// SimilarProducts forwards an image to the visual search provider and
// answers with the normalized, truncated match list.
func (h *Handler) SimilarProducts(c *gin.Context) {
	var req similarProductsReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Image URL or base64 data is required"})
		return
	}

	products, err := h.Search.FindSimilar(c.Request.Context(), req.ImageURL, req.ImageBase64)
	if err != nil {
		switch {
		case errors.Is(err, search.ErrNoImage):
			c.JSON(http.StatusBadRequest, gin.H{"error": "Image URL or base64 data is required"})
		case errors.Is(err, search.ErrNotConfigured):
			h.Log.Error("similar products", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "API configuration missing"})
		default:
			h.Log.Error("similar products", zap.Error(err))
			c.JSON(http.StatusBadGateway, gin.H{"error": "Failed to fetch similar products"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"similarProducts": products})
}
