package config

// ephemeralStorage is the number and total size (GB) of instance-store
// volumes per instance type. Types not listed have none.
var ephemeralStorage = map[string]EphemeralSpec{
	"c1.medium":    {Num: 1, Size: 350},
	"c1.xlarge":    {Num: 4, Size: 1680},
	"c3.2xlarge":   {Num: 2, Size: 160},
	"c3.4xlarge":   {Num: 2, Size: 320},
	"c3.8xlarge":   {Num: 2, Size: 640},
	"c3.large":     {Num: 2, Size: 32},
	"c3.xlarge":    {Num: 2, Size: 80},
	"cc2.8xlarge":  {Num: 4, Size: 3360},
	"cg1.4xlarge":  {Num: 2, Size: 1680},
	"cr1.8xlarge":  {Num: 2, Size: 240},
	"d2.2xlarge":   {Num: 6, Size: 12000},
	"d2.4xlarge":   {Num: 12, Size: 24000},
	"d2.8xlarge":   {Num: 24, Size: 48000},
	"d2.xlarge":    {Num: 3, Size: 6000},
	"g2.2xlarge":   {Num: 1, Size: 60},
	"g2.8xlarge":   {Num: 2, Size: 240},
	"h1.2xlarge":   {Num: 1, Size: 2000},
	"h1.4xlarge":   {Num: 2, Size: 4000},
	"h1.8xlarge":   {Num: 4, Size: 8000},
	"h1.16xlarge":  {Num: 8, Size: 16000},
	"hi1.4xlarge":  {Num: 2, Size: 2048},
	"hs1.8xlarge":  {Num: 24, Size: 48000},
	"i2.2xlarge":   {Num: 2, Size: 1600},
	"i2.4xlarge":   {Num: 4, Size: 3200},
	"i2.8xlarge":   {Num: 8, Size: 6400},
	"i2.xlarge":    {Num: 1, Size: 800},
	"i3.16xlarge":  {Num: 8, Size: 15200},
	"i3.2xlarge":   {Num: 1, Size: 1900},
	"i3.4xlarge":   {Num: 2, Size: 3800},
	"i3.8xlarge":   {Num: 4, Size: 7600},
	"i3.large":     {Num: 1, Size: 475},
	"i3.xlarge":    {Num: 1, Size: 950},
	"f1.2xlarge":   {Num: 1, Size: 470},
	"f1.4xlarge":   {Num: 1, Size: 940},
	"f1.16xlarge":  {Num: 4, Size: 940},
	"m3.2xlarge":   {Num: 2, Size: 160},
	"m3.large":     {Num: 1, Size: 32},
	"m3.medium":    {Num: 1, Size: 4},
	"m3.xlarge":    {Num: 2, Size: 80},
	"m5d.large":    {Num: 1, Size: 75},
	"m5d.xlarge":   {Num: 1, Size: 150},
	"m5d.2xlarge":  {Num: 1, Size: 300},
	"m5d.4xlarge":  {Num: 2, Size: 300},
	"m5d.12xlarge": {Num: 2, Size: 900},
	"m5d.24xlarge": {Num: 4, Size: 900},
	"r3.2xlarge":   {Num: 1, Size: 160},
	"r3.4xlarge":   {Num: 1, Size: 320},
	"r3.8xlarge":   {Num: 2, Size: 640},
	"r3.large":     {Num: 1, Size: 32},
	"r3.xlarge":    {Num: 1, Size: 80},
	"r5d.large":    {Num: 1, Size: 75},
	"r5d.xlarge":   {Num: 1, Size: 150},
	"r5d.2xlarge":  {Num: 1, Size: 300},
	"r5d.4xlarge":  {Num: 2, Size: 300},
	"r5d.12xlarge": {Num: 2, Size: 900},
	"r5d.24xlarge": {Num: 4, Size: 900},
	"c5d.large":    {Num: 1, Size: 50},
	"c5d.xlarge":   {Num: 1, Size: 100},
	"c5d.2xlarge":  {Num: 1, Size: 200},
	"c5d.4xlarge":  {Num: 1, Size: 400},
	"c5d.9xlarge":  {Num: 1, Size: 900},
	"c5d.18xlarge": {Num: 2, Size: 900},
	"x1e.xlarge":   {Num: 1, Size: 120},
	"x1e.2xlarge":  {Num: 1, Size: 240},
	"x1e.4xlarge":  {Num: 1, Size: 480},
	"x1e.8xlarge":  {Num: 1, Size: 960},
	"x1e.16xlarge": {Num: 1, Size: 1920},
	"x1e.32xlarge": {Num: 2, Size: 1920},
	"z1d.large":    {Num: 1, Size: 75},
	"z1d.xlarge":   {Num: 1, Size: 150},
	"z1d.2xlarge":  {Num: 1, Size: 300},
	"z1d.3xlarge":  {Num: 1, Size: 450},
	"z1d.6xlarge":  {Num: 1, Size: 900},
	"z1d.12xlarge": {Num: 1, Size: 900},
	"x1.16xlarge":  {Num: 1, Size: 1920},
	"x1.32xlarge":  {Num: 2, Size: 3840},
}
