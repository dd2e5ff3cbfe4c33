package postgres

const querySchema = `
CREATE TABLE IF NOT EXISTS progress (
    learner_id  TEXT        NOT NULL,
    course_id   TEXT        NOT NULL,
    percent     INTEGER     NOT NULL CHECK (percent BETWEEN 0 AND 100),
    email       TEXT        NOT NULL DEFAULT '',
    updated_at  TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (learner_id, course_id)
);

ALTER TABLE progress ADD COLUMN IF NOT EXISTS email TEXT NOT NULL DEFAULT '';

CREATE INDEX IF NOT EXISTS progress_completed_idx
    ON progress (updated_at)
    WHERE percent = 100;

CREATE TABLE IF NOT EXISTS certificates (
    certificate_id TEXT        PRIMARY KEY,
    learner_id     TEXT        NOT NULL,
    course_id      TEXT        NOT NULL,
    issued_at      TIMESTAMPTZ NOT NULL,
    notified_at    TIMESTAMPTZ
);

CREATE UNIQUE INDEX IF NOT EXISTS certificates_learner_course_idx
    ON certificates (learner_id, course_id);
`

const queryGetProgress = `
SELECT learner_id, course_id, percent, email, updated_at
FROM progress
WHERE learner_id = $1 AND course_id = $2
`

// Last-write-wins: the update only applies when the stored row is not newer.
// An empty email keeps the stored address.
const queryPutProgress = `
INSERT INTO progress (learner_id, course_id, percent, email, updated_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (learner_id, course_id) DO UPDATE
SET percent = EXCLUDED.percent,
    email = COALESCE(NULLIF(EXCLUDED.email, ''), progress.email),
    updated_at = EXCLUDED.updated_at
WHERE progress.updated_at <= EXCLUDED.updated_at
`

const queryInsertCertificate = `
INSERT INTO certificates (certificate_id, learner_id, course_id, issued_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT DO NOTHING
`

const queryGetCertificate = `
SELECT certificate_id, learner_id, course_id, issued_at, notified_at
FROM certificates
WHERE certificate_id = $1
`

const queryMarkNotified = `
UPDATE certificates
SET notified_at = $2
WHERE certificate_id = $1
  AND notified_at IS NULL
`

const queryCertificateExists = `
SELECT 1 FROM certificates WHERE certificate_id = $1
`

// Completed progress with no certificate, or with a certificate whose
// notification was never recorded. A limit of 0 means no limit.
const queryGetOrphanedCompletions = `
SELECT p.learner_id, p.course_id, p.percent, p.email, p.updated_at
FROM progress p
LEFT JOIN certificates c
    ON c.learner_id = p.learner_id AND c.course_id = p.course_id
WHERE p.percent = 100
  AND p.updated_at < $1
  AND (c.certificate_id IS NULL OR (c.notified_at IS NULL AND c.issued_at < $1))
ORDER BY p.updated_at ASC
LIMIT NULLIF($2::integer, 0)
`
