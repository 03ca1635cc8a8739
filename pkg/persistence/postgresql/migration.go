package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE workflows (
				id VARCHAR(255) PRIMARY KEY,
				name VARCHAR(255) NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				category VARCHAR(50) NOT NULL,
				status VARCHAR(50) NOT NULL CHECK (status IN ('draft', 'active', 'inactive', 'paused', 'error')),
				tenant_id VARCHAR(255) NOT NULL DEFAULT '',
				version INT NOT NULL DEFAULT 1,
				steps JSONB NOT NULL DEFAULT '[]',
				timeout_ms BIGINT NOT NULL DEFAULT 0,
				error_threshold INT NOT NULL DEFAULT 0,
				consecutive_failures INT NOT NULL DEFAULT 0,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				published_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX idx_workflows_status ON workflows(status);
			CREATE INDEX idx_workflows_tenant_id ON workflows(tenant_id);
			CREATE INDEX idx_workflows_created_at ON workflows(created_at);

			CREATE TABLE workflow_triggers (
				workflow_id VARCHAR(255) NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
				id VARCHAR(255) NOT NULL,
				position INT NOT NULL,
				trigger_type VARCHAR(50) NOT NULL,
				configuration JSONB NOT NULL DEFAULT '{}',
				enabled BOOLEAN NOT NULL DEFAULT true,
				trigger_count BIGINT NOT NULL DEFAULT 0,
				PRIMARY KEY (workflow_id, id)
			);

			CREATE INDEX idx_workflow_triggers_type ON workflow_triggers(trigger_type);
		`,
		2: `
			-- Executions keep no foreign key to workflows so archived runs outlive their definition.
			CREATE TABLE executions (
				id VARCHAR(255) PRIMARY KEY,
				workflow_id VARCHAR(255) NOT NULL,
				workflow_version INT NOT NULL,
				tenant_id VARCHAR(255) NOT NULL DEFAULT '',
				status VARCHAR(50) NOT NULL,
				started_at TIMESTAMP WITH TIME ZONE NOT NULL,
				completed_at TIMESTAMP WITH TIME ZONE,
				triggered_by VARCHAR(255) NOT NULL DEFAULT '',
				trigger_type VARCHAR(50) NOT NULL,
				trigger_id VARCHAR(255) NOT NULL DEFAULT '',
				payload JSONB NOT NULL DEFAULT '{}',
				error TEXT NOT NULL DEFAULT '',
				archived BOOLEAN NOT NULL DEFAULT false
			);

			CREATE INDEX idx_executions_workflow_id ON executions(workflow_id, archived);
			CREATE INDEX idx_executions_status ON executions(status);
			CREATE INDEX idx_executions_started_at ON executions(started_at);

			CREATE TABLE execution_steps (
				execution_id VARCHAR(255) NOT NULL REFERENCES executions(id) ON DELETE CASCADE,
				step_id VARCHAR(255) NOT NULL,
				id VARCHAR(255) NOT NULL,
				position INT NOT NULL,
				status VARCHAR(50) NOT NULL,
				started_at TIMESTAMP WITH TIME ZONE,
				completed_at TIMESTAMP WITH TIME ZONE,
				error TEXT NOT NULL DEFAULT '',
				output JSONB,
				attempts INT NOT NULL DEFAULT 0,
				PRIMARY KEY (execution_id, step_id)
			);

			CREATE INDEX idx_execution_steps_position ON execution_steps(execution_id, position);
		`,
	}
}
