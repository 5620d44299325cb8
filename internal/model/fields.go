// Package model defines the records kept in the metadata index and their
// canonical document field names.
package model

// Document types stored under FieldType.
const (
	TypeHarvested      = "harvested"
	TypeDescendants    = "descendants"
	TypeTransformation = "transformation"
	TypeDataset        = "dataset"
	TypeField          = "field"
	TypeGrid           = "grid"
)

// Index field names. These are shared with other consumers of the index and
// must not change.
const (
	FieldID      = "id"
	FieldType    = "type_s"
	FieldDataset = "dataset_s"
	FieldDate    = "date_s"
	FieldSource  = "source_s"

	FieldFilename        = "filename_s"
	FieldHemisphere      = "hemisphere_s"
	FieldModifiedTime    = "modified_time_dt"
	FieldDownloadTime    = "download_time_dt"
	FieldHarvestSuccess  = "harvest_success_b"
	FieldChecksum        = "checksum_s"
	FieldGranuleLocation = "pre_transformation_file_path_s"
	FieldFileSize        = "file_size_l"
	FieldMessage         = "message_s"

	FieldGrid                  = "grid_name_s"
	FieldField                 = "field_s"
	FieldOriginChecksum        = "origin_checksum_s"
	FieldTransformationVersion = "transformation_version_f"
	FieldSuccess               = "success_b"
	FieldOutputLocation        = "transformation_file_path_s"
	FieldCompletedTime         = "transformation_completed_dt"

	FieldStatus       = "status_s"
	FieldStartDate    = "start_date_dt"
	FieldEndDate      = "end_date_dt"
	FieldLastChecked  = "last_checked_dt"
	FieldLastDownload = "last_download_dt"

	FieldShortName                 = "short_name_s"
	FieldDataTimeScale             = "data_time_scale_s"
	FieldDateFormat                = "date_format_s"
	FieldOriginalDatasetTitle      = "original_dataset_title_s"
	FieldOriginalDatasetShortName  = "original_dataset_short_name_s"
	FieldOriginalDatasetURL        = "original_dataset_url_s"
	FieldOriginalDatasetReference  = "original_dataset_reference_s"
	FieldOriginalDatasetDOI        = "original_dataset_doi_s"
	FieldName                      = "name_s"
	FieldLongName                  = "long_name_s"
	FieldStandardName              = "standard_name_s"
	FieldUnits                     = "units_s"
	yearsUpdatedSuffix             = "_years_updated_ss"
)

// YearsUpdatedField returns the per-grid years field, e.g. "ECCO_llc90_years_updated_ss".
func YearsUpdatedField(grid string) string {
	return grid + yearsUpdatedSuffix
}
