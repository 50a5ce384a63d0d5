// Package media validates chat attachments and uploads them to a blob
// store.
//
// Attachments are limited to MaxBytes and to an allow list of image,
// video, audio and document MIME types. Audio is uploaded through the
// video endpoint, matching how Cloudinary classifies it.
package media
