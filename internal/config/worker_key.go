package config

type WorkerKeyStruct struct {
	PersistSessionsQueue       string
	PersistSecurityEventsQueue string
	PersistAuditQueue          string
}

var WorkerKey = &WorkerKeyStruct{
	PersistSessionsQueue:       "persist_sessions_queue",
	PersistSecurityEventsQueue: "persist_security_events_queue",
	PersistAuditQueue:          "persist_audit_queue",
}
