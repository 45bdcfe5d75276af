package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			-- Queue-side records of submitted delegate tasks
			CREATE TABLE delegate_tasks (
				id VARCHAR(255) PRIMARY KEY,
				task_type VARCHAR(255) NOT NULL,
				descriptor JSONB NOT NULL,
				status VARCHAR(50) NOT NULL,
				trigger_deadline TIMESTAMP WITH TIME ZONE,
				expires_at TIMESTAMP WITH TIME ZONE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				version BIGINT NOT NULL DEFAULT 1
			);

			CREATE INDEX idx_delegate_tasks_status ON delegate_tasks(status);
			CREATE INDEX idx_delegate_tasks_expires_at ON delegate_tasks(expires_at);
			CREATE INDEX idx_delegate_tasks_trigger_deadline ON delegate_tasks(trigger_deadline);

			-- Step wait sets, stored as a document with indexed columns
			CREATE TABLE step_wait_sets (
				step_execution_key VARCHAR(512) PRIMARY KEY,
				state VARCHAR(50) NOT NULL,
				is_final BOOLEAN NOT NULL DEFAULT false,
				deadline TIMESTAMP WITH TIME ZONE,
				document JSONB NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				version BIGINT NOT NULL DEFAULT 1
			);

			CREATE INDEX idx_step_wait_sets_deadline ON step_wait_sets(deadline) WHERE is_final = false;

			-- Reverse index from callback id to step execution
			CREATE TABLE wait_set_callbacks (
				callback_id VARCHAR(255) PRIMARY KEY,
				step_execution_key VARCHAR(512) NOT NULL REFERENCES step_wait_sets(step_execution_key) ON DELETE CASCADE
			);

			CREATE INDEX idx_wait_set_callbacks_step ON wait_set_callbacks(step_execution_key);
		`,
		2: `
			-- Approval wait state
			CREATE TABLE approval_instances (
				id VARCHAR(255) PRIMARY KEY,
				step_execution_key VARCHAR(512) NOT NULL,
				status VARCHAR(50) NOT NULL CHECK (status IN ('WAITING', 'APPROVED', 'REJECTED', 'ABORTED', 'EXPIRED')),
				deadline TIMESTAMP WITH TIME ZONE NOT NULL,
				document JSONB NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				version BIGINT NOT NULL DEFAULT 1
			);

			CREATE INDEX idx_approval_instances_waiting ON approval_instances(deadline) WHERE status = 'WAITING';

			-- Structured outputs addressable by downstream nodes
			CREATE TABLE step_outputs (
				step_execution_key VARCHAR(512) NOT NULL,
				name VARCHAR(255) NOT NULL,
				kind VARCHAR(50) NOT NULL,
				data JSONB NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				PRIMARY KEY (step_execution_key, name)
			);
		`,
		3: `
			-- Outcomes and approval results decided but not yet published
			ALTER TABLE step_wait_sets ADD COLUMN emission_pending_since TIMESTAMP WITH TIME ZONE;
			CREATE INDEX idx_step_wait_sets_emission ON step_wait_sets(emission_pending_since)
				WHERE emission_pending_since IS NOT NULL;

			ALTER TABLE approval_instances ADD COLUMN resume_pending_since TIMESTAMP WITH TIME ZONE;
			CREATE INDEX idx_approval_instances_resume ON approval_instances(resume_pending_since)
				WHERE resume_pending_since IS NOT NULL;
		`,
	}
}
