package worker

import (
	"github.com/spec-kit/tutoring-service/internal/service"
)

// StartAuditWorker registers the audit trail handlers.
func StartAuditWorker(auditService *service.AuditService) {
	if auditService == nil {
		return
	}
	auditService.RegisterHandlers()
}
