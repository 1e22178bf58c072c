package api

import (
	"errors"
	"mime"
	"path"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/javi11/metafs/internal/content"
	cerrors "github.com/javi11/metafs/internal/errors"
	"github.com/javi11/metafs/internal/slogutil"
)

// handleStat handles GET /api/fs/stat?path=
func (s *Server) handleStat(c *fiber.Ctx) error {
	p := c.Query("path", "/")

	n, err := s.pop.Resolve(c.UserContext(), p)
	if err != nil {
		return RespondCacheError(c, "Path", err)
	}
	return RespondSuccess(c, ToEntryResponse(n))
}

// handleList handles GET /api/fs/list?path=&limit=&offset=
func (s *Server) handleList(c *fiber.Ctx) error {
	p := c.Query("path", "/")

	pagination := DefaultPagination()
	pagination.Limit = c.QueryInt("limit", pagination.Limit)
	pagination.Offset = c.QueryInt("offset", pagination.Offset)
	if pagination.Limit <= 0 || pagination.Offset < 0 {
		return RespondValidationError(c, "Invalid pagination", "limit must be positive and offset non-negative")
	}

	n, err := s.pop.Resolve(c.UserContext(), p)
	if err != nil {
		return RespondCacheError(c, "Path", err)
	}

	children, err := s.cache.ListChildren(c.UserContext(), n)
	if err != nil {
		return RespondCacheError(c, "Path", err)
	}

	total := len(children)
	start := min(pagination.Offset, total)
	end := min(start+pagination.Limit, total)
	page := children[start:end]

	return RespondSuccessWithMeta(c, ToEntryResponses(page), &APIMeta{
		Total:  total,
		Limit:  pagination.Limit,
		Offset: pagination.Offset,
		Count:  len(page),
	})
}

// handleGetContent handles GET /api/fs/content?path=&offset=&length=
func (s *Server) handleGetContent(c *fiber.Ctx) error {
	p := c.Query("path")
	if p == "" {
		return RespondValidationError(c, "Path is required", "the path query parameter is empty")
	}

	offset, err := strconv.ParseInt(c.Query("offset", "0"), 10, 64)
	if err != nil || offset < 0 {
		return RespondValidationError(c, "Invalid offset", c.Query("offset"))
	}
	length, err := strconv.ParseInt(c.Query("length", "-1"), 10, 64)
	if err != nil {
		return RespondValidationError(c, "Invalid length", c.Query("length"))
	}

	ctx := slogutil.With(c.UserContext(), "path", p)
	n, err := s.pop.Resolve(ctx, p)
	if err != nil {
		return RespondCacheError(c, "Path", err)
	}
	if n.IsDir() || len(n.ContentID()) == 0 {
		return RespondBadRequest(c, "Path is not a file", p)
	}

	size, err := s.content.Size(n.ContentID())
	if err != nil {
		if errors.Is(err, content.ErrNotFound) {
			return RespondNotFound(c, "Object", n.ContentKey())
		}
		return RespondInternalError(c, "Failed to stat object", err.Error())
	}
	if offset > size {
		return RespondError(c, fiber.StatusRequestedRangeNotSatisfiable, ErrCodeBadRequest, "Offset beyond end of object", strconv.FormatInt(size, 10))
	}

	contentType := mime.TypeByExtension(path.Ext(n.Name()))
	if contentType == "" {
		contentType = fiber.MIMEOctetStream
	}
	c.Set(fiber.HeaderContentType, contentType)
	c.Set("X-Content-Id", n.ContentKey())

	if _, err := s.content.WriteObject(ctx, n.ContentID(), c.Response().BodyWriter(), offset, length); err != nil {
		s.logger.ErrorContext(ctx, "Failed to serve object", "content_id", n.ContentKey(), "err", err)
		c.Response().ResetBody()
		return RespondInternalError(c, "Failed to read object", err.Error())
	}
	return nil
}

// handleRemoveEntry handles DELETE /api/fs/entries?path=&recursive=
func (s *Server) handleRemoveEntry(c *fiber.Ctx) error {
	p := c.Query("path")
	if p == "" {
		return RespondValidationError(c, "Path is required", "the path query parameter is empty")
	}

	recursive := c.QueryBool("recursive", false)
	if !recursive {
		if n, err := s.cache.Lookup(p); err == nil && n != s.cache.Root() && n.ChildCount() > 0 {
			return RespondConflict(c, "Directory is not empty", "retry with recursive=true to remove its children")
		}
	}

	if err := s.cache.RemovePath(p, recursive); err != nil {
		return RespondCacheError(c, "Path", err)
	}
	return RespondMessage(c, "Entry removed from cache")
}

// handleRemoveObject handles DELETE /api/fs/objects/:oid?purge=
//
// Without purge only the cached locations go. With purge the record is also
// deleted from the metadata engine and the object from the content store.
func (s *Server) handleRemoveObject(c *fiber.Ctx) error {
	id, err := parseContentID(c.Params("oid"))
	if err != nil {
		return RespondBadRequest(c, "Invalid content id", err.Error())
	}
	purge := c.QueryBool("purge", false)

	var resp RemoveResponse
	resp.Removed, err = s.cache.RemoveByContentID(id)
	if err != nil && !(purge && cerrors.IsNotFound(err)) {
		return RespondCacheError(c, "Object", err)
	}

	if !purge {
		return RespondSuccess(c, resp)
	}

	if s.store != nil {
		resp.RecordDeleted, err = s.store.DeleteRecord(c.UserContext(), id)
		if err != nil {
			return RespondServiceUnavailable(c, "Failed to delete record", err.Error())
		}
	}
	if s.content != nil {
		resp.ObjectDeleted, err = s.content.DeleteObject(id)
		if err != nil {
			return RespondInternalError(c, "Failed to delete object", err.Error())
		}
	}

	if resp.Removed == 0 && !resp.RecordDeleted && !resp.ObjectDeleted {
		return RespondNotFound(c, "Object", c.Params("oid"))
	}
	return RespondSuccess(c, resp)
}
