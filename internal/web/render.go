package web

import (
	"context"
	"io"

	"github.com/prometheus/client_golang/prometheus"
)

func (s *Server) renderDashboard(ctx context.Context, w io.Writer, view DashboardView) error {
	return s.trackTemplateRender("dashboard", func() error {
		return dashboardPage(view).Render(ctx, w)
	})
}

// trackTemplateRender wraps template rendering with metrics tracking.
func (s *Server) trackTemplateRender(templateName string, renderFunc func() error) error {
	m := s.config.Metrics
	if m == nil {
		return renderFunc()
	}

	timer := prometheus.NewTimer(m.TemplateRenderTime.WithLabelValues(templateName))
	defer timer.ObserveDuration()

	if err := renderFunc(); err != nil {
		m.TemplateRenderErrors.WithLabelValues(templateName, "render_error").Inc()
		return err
	}
	return nil
}
