package server

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/adverant/nexus/vision-ocr/internal/ocr"
)

// resultQuery narrows or groups a JSON extraction before it is returned.
// Built from the optional extract, near, tolerance, groupBy and bandHeight
// form fields of POST /api/ocr.
type resultQuery struct {
	match      func(*ocr.OCRResult) []ocr.OCRTextElement
	near       *[2]float64
	tolerance  float64
	groupBy    string
	bandHeight float64
}

const defaultTolerance = 10

func (q *resultQuery) empty() bool {
	return q.match == nil && q.near == nil && q.groupBy == ""
}

// parseResultQuery reads the query fields; format is the resolved output format
func parseResultQuery(c *gin.Context, format ocr.Format) (*resultQuery, bool) {
	q := &resultQuery{tolerance: defaultTolerance}

	fail := func(msg string) (*resultQuery, bool) {
		c.JSON(http.StatusBadRequest, gin.H{"error": msg})
		return nil, false
	}

	if v := c.PostForm("extract"); v != "" {
		m, err := ocr.Matcher(strings.ToLower(v))
		if err != nil {
			return fail(err.Error())
		}
		q.match = m
	}

	if v := c.PostForm("near"); v != "" {
		parts := strings.Split(v, ",")
		if len(parts) != 2 {
			return fail("near must be x,y")
		}
		var point [2]float64
		for i, p := range parts {
			n, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
			if err != nil {
				return fail("near must be x,y")
			}
			point[i] = n
		}
		q.near = &point
	}
	if v := c.PostForm("tolerance"); v != "" {
		n, err := strconv.ParseFloat(v, 64)
		if err != nil || n < 0 {
			return fail("tolerance must be a non-negative number")
		}
		q.tolerance = n
	}

	switch v := c.PostForm("groupBy"); v {
	case "", "color", "region":
		q.groupBy = v
	default:
		return fail(fmt.Sprintf("unknown groupBy %q: must be color or region", v))
	}
	if v := c.PostForm("bandHeight"); v != "" {
		n, err := strconv.ParseFloat(v, 64)
		if err != nil || n <= 0 {
			return fail("bandHeight must be a positive number")
		}
		q.bandHeight = n
	}

	if !q.empty() && format != ocr.FormatJSON {
		return fail("extract, near and groupBy need outputFormat json")
	}
	return q, true
}

// apply filters by pattern, then by position, then groups what is left
func (q *resultQuery) apply(result *ocr.OCRResult) interface{} {
	if q.match != nil {
		result = result.Narrow(q.match(result))
	}
	if q.near != nil {
		result = result.Narrow(result.FindByCoordinates(q.near[0], q.near[1], q.tolerance))
	}

	switch q.groupBy {
	case "color":
		return gin.H{"result": result, "groups": result.GroupByColor()}
	case "region":
		return gin.H{"result": result, "groups": result.GroupByRegion(q.bandHeight)}
	}
	return result
}
