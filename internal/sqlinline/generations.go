package sqlinline

const QInsertGenerationJob = `--sql 7b1e4c2a-9d3f-4a6b-8c5e-2f0a1b3c4d5e
insert into generation_jobs (id, owner_id, status, created_at, updated_at)
values ($1::uuid, $2, 'PENDING', now(), now())
returning created_at, updated_at;
`

const QUpdateGenerationJobStatus = `--sql 3a9f8e7d-6c5b-4a39-8281-7f6e5d4c3b2a
update generation_jobs
set status = $2,
    error_message = coalesce($3, error_message),
    updated_at = now()
where id = $1::uuid
  and status = 'PENDING';
`

const QSelectGenerationJob = `--sql c4d5e6f7-a8b9-4c0d-9e1f-2a3b4c5d6e7f
select id::text, owner_id, status, coalesce(error_message, ''), created_at, updated_at
from generation_jobs
where id = $1::uuid;
`

const QExpirePendingGenerationJobs = `--sql 9e8d7c6b-5a49-4382-a716-05f4e3d2c1b0
update generation_jobs
set status = 'FAILED',
    error_message = $2,
    updated_at = now()
where status = 'PENDING'
  and created_at < $1
returning id::text;
`

const QInsertGenerationAsset = `--sql 1f2e3d4c-5b6a-4798-8a9b-0c1d2e3f4a5b
insert into generation_assets (id, job_id, item_image_url, mask_image_url, output_image_url, created_at)
values ($1::uuid, $2::uuid, $3, $4, $5, now())
returning created_at;
`

const QSelectGenerationAssetsByJob = `--sql 6d5c4b3a-2f1e-40d9-b8c7-a6b5c4d3e2f1
select id::text, job_id::text, item_image_url, mask_image_url, output_image_url, created_at
from generation_assets
where job_id = $1::uuid
order by created_at asc;
`
