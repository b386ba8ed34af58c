package postgres

const (
	MigrationQuery = `
	CREATE TABLE IF NOT EXISTS users (
		id UUID PRIMARY KEY,
		full_name TEXT NOT NULL DEFAULT '',
		email TEXT UNIQUE NOT NULL,
		role TEXT NOT NULL DEFAULT 'learner' CHECK (role IN ('learner', 'trainer', 'admin')),
		payout_phone TEXT,
		payout_country CHAR(2),
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS courses (
		id UUID PRIMARY KEY,
		trainer_id UUID NOT NULL REFERENCES users(id),
		title TEXT NOT NULL,
		price NUMERIC(14,2) NOT NULL DEFAULT 0 CHECK (price >= 0),
		commission_rate NUMERIC(5,4) NOT NULL DEFAULT 0.10 CHECK (commission_rate >= 0 AND commission_rate <= 1),
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS payments (
		id UUID PRIMARY KEY,
		payer_id UUID NOT NULL REFERENCES users(id),
		course_id UUID NOT NULL REFERENCES courses(id),
		amount NUMERIC(14,2) NOT NULL CHECK (amount >= 0),
		currency CHAR(3) NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('pending', 'completed', 'failed', 'refunded')),
		external_transaction_id TEXT UNIQUE,
		external_status TEXT,
		gateway_response JSONB,
		payment_url TEXT,
		completed_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS payouts (
		id UUID PRIMARY KEY,
		payment_id UUID NOT NULL UNIQUE REFERENCES payments(id),
		trainer_id UUID NOT NULL REFERENCES users(id),
		course_id UUID NOT NULL REFERENCES courses(id),
		gross_amount NUMERIC(14,2) NOT NULL,
		commission_rate NUMERIC(5,4) NOT NULL,
		commission_amount NUMERIC(14,2) NOT NULL,
		net_amount NUMERIC(14,2) NOT NULL CHECK (net_amount >= 0),
		currency CHAR(3) NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('pending', 'sent', 'completed', 'failed')),
		automatic BOOLEAN NOT NULL DEFAULT FALSE,
		attempts INT NOT NULL DEFAULT 1 CHECK (attempts > 0),
		external_payout_id TEXT UNIQUE,
		gateway_response JSONB,
		failure_reason TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS withdrawal_requests (
		id UUID PRIMARY KEY,
		trainer_id UUID NOT NULL REFERENCES users(id),
		amount NUMERIC(14,2) NOT NULL CHECK (amount > 0),
		balance_snapshot NUMERIC(14,2) NOT NULL,
		phone TEXT NOT NULL,
		country CHAR(2) NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('pending', 'approved', 'rejected', 'completed', 'failed')),
		admin_notes TEXT,
		processed_by UUID REFERENCES users(id),
		processed_at TIMESTAMPTZ,
		external_payout_id TEXT UNIQUE,
		gateway_response JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS enrollments (
		learner_id UUID NOT NULL REFERENCES users(id),
		course_id UUID NOT NULL REFERENCES courses(id),
		payment_id UUID REFERENCES payments(id),
		enrolled_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (learner_id, course_id)
	);

	CREATE TABLE IF NOT EXISTS community_members (
		course_id UUID NOT NULL REFERENCES courses(id),
		user_id UUID NOT NULL REFERENCES users(id),
		joined_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (course_id, user_id)
	);

	CREATE TABLE IF NOT EXISTS notifications (
		id UUID PRIMARY KEY,
		user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		type TEXT NOT NULL,
		title TEXT NOT NULL,
		body TEXT NOT NULL,
		link TEXT,
		data JSONB,
		is_read BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	ALTER TABLE payouts ADD COLUMN IF NOT EXISTS automatic BOOLEAN NOT NULL DEFAULT FALSE;
	ALTER TABLE payouts ADD COLUMN IF NOT EXISTS attempts INT NOT NULL DEFAULT 1;

	CREATE INDEX IF NOT EXISTS idx_courses_trainer_id ON courses(trainer_id);
	CREATE INDEX IF NOT EXISTS idx_payments_course_status ON payments(course_id, status);
	CREATE INDEX IF NOT EXISTS idx_payments_status_created ON payments(status, created_at);
	CREATE INDEX IF NOT EXISTS idx_payouts_trainer_status ON payouts(trainer_id, status);
	CREATE INDEX IF NOT EXISTS idx_withdrawals_trainer_status ON withdrawal_requests(trainer_id, status);
	CREATE INDEX IF NOT EXISTS idx_notifications_user_id ON notifications(user_id);
	`
)
