package server

import (
	"bytes"
	"encoding/json"
	"net/http"

	"github.com/MarcoPoloResearchLab/setmatch/internal/indexing"
	"github.com/MarcoPoloResearchLab/setmatch/internal/matching"
	"github.com/gin-gonic/gin"
)

type matchRequestPayload struct {
	Objects []matching.ObjectAtTime `json:"objects"`
	// AsOf is epoch seconds or a zoned timestamp string.
	AsOf json.RawMessage `json:"as_of"`
}

type matchResponsePayload struct {
	Candidates []matching.SetCandidate `json:"candidates"`
}

type receiptsResponsePayload struct {
	Receipts []indexing.Receipt `json:"receipts"`
}

type objectsLookupPayload struct {
	Fingerprints      []string `json:"fingerprints"`
	IncludeCollection bool     `json:"include_collection"`
}

func (h *httpHandler) handleMatchSets(c *gin.Context) {
	var request matchRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	asOf, err := decodeAsOf(request.AsOf)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_criteria", "message": "as_of must be epoch seconds or a zoned timestamp"})
		return
	}
	criteria, err := matching.NewCriteria(request.Objects, asOf)
	if err != nil {
		h.respondError(c, "match_sets", err)
		return
	}

	candidates, err := h.lookup.FindMatchingSets(c.Request.Context(), criteria)
	if err != nil {
		h.respondError(c, "match_sets", err)
		return
	}
	if candidates == nil {
		candidates = []matching.SetCandidate{}
	}
	c.JSON(http.StatusOK, matchResponsePayload{Candidates: candidates})
}

func decodeAsOf(raw json.RawMessage) (any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	var seconds int64
	if err := json.Unmarshal(trimmed, &seconds); err == nil {
		return seconds, nil
	}
	var text string
	if err := json.Unmarshal(trimmed, &text); err != nil {
		return nil, err
	}
	return text, nil
}

func (h *httpHandler) handleUserSets(c *gin.Context) {
	receipts, err := h.lookup.FindUserSets(c.Request.Context(), c.Param("owner"))
	if err != nil {
		h.respondError(c, "user_sets", err)
		return
	}
	respondReceipts(c, receipts)
}

func (h *httpHandler) handleUserObjects(c *gin.Context) {
	includeCollection, ok := includeCollectionParam(c)
	if !ok {
		return
	}
	receipts, err := h.lookup.FindUserObjects(c.Request.Context(), c.Param("owner"), includeCollection)
	if err != nil {
		h.respondError(c, "user_objects", err)
		return
	}
	respondReceipts(c, receipts)
}

func (h *httpHandler) handleUserSetObjects(c *gin.Context) {
	receipts, err := h.lookup.FindUserSetObjects(c.Request.Context(), c.Param("owner"), c.Param("collection"))
	if err != nil {
		h.respondError(c, "user_set_objects", err)
		return
	}
	respondReceipts(c, receipts)
}

func (h *httpHandler) handleLastUserSetObject(c *gin.Context) {
	receipt, err := h.lookup.FindLastUserSetObject(c.Request.Context(), c.Param("owner"), c.Param("collection"))
	if err != nil {
		h.respondError(c, "last_user_set_object", err)
		return
	}
	respondSingle(c, receipt)
}

func (h *httpHandler) handleObjectsLookup(c *gin.Context) {
	var request objectsLookupPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	receipts, err := h.lookup.FindObjects(c.Request.Context(), request.Fingerprints, request.IncludeCollection)
	if err != nil {
		h.respondError(c, "objects_lookup", err)
		return
	}
	respondReceipts(c, receipts)
}

func (h *httpHandler) handleObject(c *gin.Context) {
	includeCollection, ok := includeCollectionParam(c)
	if !ok {
		return
	}
	receipts, err := h.lookup.FindObject(c.Request.Context(), c.Param("fingerprint"), includeCollection)
	if err != nil {
		h.respondError(c, "object", err)
		return
	}
	respondReceipts(c, receipts)
}

func (h *httpHandler) handleLastObject(c *gin.Context) {
	includeCollection, ok := includeCollectionParam(c)
	if !ok {
		return
	}
	receipt, err := h.lookup.FindLastObject(c.Request.Context(), c.Param("fingerprint"), includeCollection)
	if err != nil {
		h.respondError(c, "last_object", err)
		return
	}
	respondSingle(c, receipt)
}

func respondReceipts(c *gin.Context, receipts []indexing.Receipt) {
	if receipts == nil {
		receipts = []indexing.Receipt{}
	}
	c.JSON(http.StatusOK, receiptsResponsePayload{Receipts: receipts})
}
