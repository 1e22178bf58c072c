package api

import (
	"encoding/hex"
	"errors"

	"github.com/gofiber/fiber/v2"
)

// handleGetCacheStats handles GET /api/cache/stats
func (s *Server) handleGetCacheStats(c *fiber.Ctx) error {
	return RespondSuccess(c, s.cache.Stats())
}

// handleCheckCache handles POST /api/cache/check
func (s *Server) handleCheckCache(c *fiber.Ctx) error {
	// Going through the worker keeps its run history complete
	if s.healthWorker != nil {
		return RespondSuccess(c, s.healthWorker.RunNow(c.UserContext()))
	}

	report := s.cache.CheckAndRepair()
	if !report.OK() {
		s.logger.WarnContext(c.UserContext(), "Consistency check left violations unrepaired",
			"report_id", report.ID,
			"unrepaired", report.Unrepaired)
	}
	return RespondSuccess(c, report)
}

// handleSweepCache handles POST /api/cache/sweep
func (s *Server) handleSweepCache(c *fiber.Ctx) error {
	result, err := s.cache.Sweep()
	if err != nil {
		return RespondCacheError(c, "Cache", err)
	}
	return RespondSuccess(c, result)
}

// handleGetLocations handles GET /api/cache/locations/:oid
func (s *Server) handleGetLocations(c *fiber.Ctx) error {
	id, err := parseContentID(c.Params("oid"))
	if err != nil {
		return RespondBadRequest(c, "Invalid content id", err.Error())
	}

	nodes := s.cache.LocationsOf(id)
	return RespondSuccess(c, ToEntryResponses(nodes))
}

func parseContentID(raw string) ([]byte, error) {
	id, err := hex.DecodeString(raw)
	if err != nil {
		return nil, err
	}
	if len(id) == 0 {
		return nil, errors.New("content id is required")
	}
	return id, nil
}
