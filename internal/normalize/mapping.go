package normalize

import "github.com/yourorg/integrations-api/internal/domain"

// ProviderCanonical marks raw records produced from canonical properties.
const ProviderCanonical domain.ProviderType = "canonical"

// Mapping lists, per canonical field, the source keys to try in order. Keys may be
// dotted paths into nested objects.
type Mapping struct {
	ID           []string
	Line1        []string
	StreetParts  []string // joined when no Line1 key is present
	Unit         []string
	City         []string
	State        []string
	PostalCode   []string
	Lat          []string
	Lon          []string
	Price        []string
	PricePerSqft []string
	Beds         []string
	Baths        []string
	AreaSqft     []string
	AreaSqm      []string
	ListingDate  []string
}

var restMLS = Mapping{
	ID:           []string{"ListingKey", "ListingId", "listing_id", "mls_number", "id"},
	Line1:        []string{"UnparsedAddress", "address.line1", "address.street", "street_address", "address"},
	StreetParts:  []string{"StreetNumber", "StreetDirPrefix", "StreetName", "StreetSuffix"},
	Unit:         []string{"UnitNumber", "address.unit", "unit"},
	City:         []string{"City", "address.city", "city"},
	State:        []string{"StateOrProvince", "address.state", "state"},
	PostalCode:   []string{"PostalCode", "address.postal_code", "address.zip", "postal_code", "zip"},
	Lat:          []string{"Latitude", "coordinates.lat", "latitude", "lat"},
	Lon:          []string{"Longitude", "coordinates.lon", "longitude", "lon", "lng"},
	Price:        []string{"ListPrice", "list_price", "price"},
	PricePerSqft: []string{"PricePerSquareFoot", "price_per_sqft"},
	Beds:         []string{"BedroomsTotal", "bedrooms", "beds"},
	Baths:        []string{"BathroomsTotalDecimal", "BathroomsTotalInteger", "bathrooms", "baths"},
	AreaSqft:     []string{"LivingArea", "living_area", "sqft", "square_feet"},
	AreaSqm:      []string{"LivingAreaSqm", "living_area_sqm", "area_sqm"},
	ListingDate:  []string{"ListingContractDate", "OnMarketDate", "list_date", "listed_at"},
}

var retsMLS = Mapping{
	ID:           []string{"ListingID", "ListingKey", "MLSNumber", "L_ListingID"},
	Line1:        []string{"UnparsedAddress", "FullAddress", "L_Address"},
	StreetParts:  []string{"StreetNumber", "StreetDirPrefix", "StreetName", "StreetSuffix"},
	Unit:         []string{"UnitNumber"},
	City:         []string{"City", "L_City"},
	State:        []string{"StateOrProvince", "State", "L_State"},
	PostalCode:   []string{"PostalCode", "ZipCode", "L_Zip"},
	Lat:          []string{"Latitude"},
	Lon:          []string{"Longitude"},
	Price:        []string{"ListPrice", "L_AskingPrice"},
	PricePerSqft: []string{"PricePerSqFt"},
	Beds:         []string{"BedroomsTotal", "Bedrooms", "L_Bedrooms"},
	Baths:        []string{"BathroomsTotalDecimal", "BathsTotal", "Bathrooms"},
	AreaSqft:     []string{"LivingArea", "SqFtTotal", "LM_Int4_1"},
	AreaSqm:      []string{"LivingAreaSqm"},
	ListingDate:  []string{"ListingContractDate", "ListDate", "L_ListingDate"},
}

// CRM records differ per vendor; the table covers HubSpot (properties.*), Zoho
// (Capitalized_Fields) and Salesforce (custom __c fields).
var crm = Mapping{
	ID:          []string{"id", "Id", "record_id"},
	Line1:       []string{"properties.address", "Street", "Street__c", "address"},
	Unit:        []string{"properties.unit", "Unit", "Unit__c", "unit"},
	City:        []string{"properties.city", "City", "City__c", "city"},
	State:       []string{"properties.state", "State", "State__c", "state"},
	PostalCode:  []string{"properties.zip", "Zip_Code", "Postal_Code__c", "zip"},
	Lat:         []string{"properties.latitude", "Latitude", "Latitude__c"},
	Lon:         []string{"properties.longitude", "Longitude", "Longitude__c"},
	Price:       []string{"properties.price", "properties.amount", "Price", "Price__c", "price"},
	Beds:        []string{"properties.bedrooms", "Bedrooms", "Bedrooms__c", "bedrooms"},
	Baths:       []string{"properties.bathrooms", "Bathrooms", "Bathrooms__c", "bathrooms"},
	AreaSqft:    []string{"properties.square_footage", "Square_Feet", "Square_Feet__c", "sqft"},
	AreaSqm:     []string{"properties.area_sqm", "Area_Sqm"},
	ListingDate: []string{"properties.listing_date", "Listing_Date", "Listing_Date__c", "properties.createdate", "Created_Time", "CreatedDate"},
}

// Database rows arrive with columns aliased to these names by the db adapter.
var database = Mapping{
	ID:           []string{"id"},
	Line1:        []string{"address_line1", "address"},
	Unit:         []string{"unit"},
	City:         []string{"city"},
	State:        []string{"state"},
	PostalCode:   []string{"postal_code", "zip"},
	Lat:          []string{"latitude", "lat"},
	Lon:          []string{"longitude", "lon"},
	Price:        []string{"price", "list_price"},
	PricePerSqft: []string{"price_per_sqft"},
	Beds:         []string{"bedrooms", "beds"},
	Baths:        []string{"bathrooms", "baths"},
	AreaSqft:     []string{"area_sqft", "sqft"},
	AreaSqm:      []string{"area_sqm"},
	ListingDate:  []string{"listing_date", "list_date"},
}

var canonical = Mapping{
	ID:          []string{"source_id"},
	Line1:       []string{"line1"},
	Unit:        []string{"unit"},
	City:        []string{"city"},
	State:       []string{"state"},
	PostalCode:  []string{"postal_code"},
	Lat:         []string{"lat"},
	Lon:         []string{"lon"},
	Price:       []string{"price"},
	Beds:        []string{"beds"},
	Baths:       []string{"baths"},
	AreaSqft:    []string{"area_sqft"},
	ListingDate: []string{"listing_date"},
}

// Tables maps every provider type to its mapping.
var Tables = map[domain.ProviderType]Mapping{
	domain.ProviderRESTMLS: restMLS,
	domain.ProviderRETSMLS: retsMLS,
	domain.ProviderCRM:     crm,
	domain.ProviderDB:      database,
	ProviderCanonical:      canonical,
}
